package main

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/rpcwire"
)

// client is a thin wrapper over rpcwire.Conn.Call that marshals a request
// struct, calls methodID, and unmarshals the reply into out (a pointer),
// or skips the unmarshal entirely when out is nil for void-returning
// methods.
type client struct {
	conn *rpcwire.Conn
}

func dial(socketPath string) (*client, error) {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	conn := rpcwire.NewConn(nc)
	// ServeLoop routes each reply frame to the Call waiting for it; the
	// supervisor never calls into zonectl.
	go conn.ServeLoop(func(methodID uint32, _ []byte) ([]byte, error) {
		return nil, fmt.Errorf("zonectl: unexpected call %d", methodID)
	})
	return &client{conn: conn}, nil
}

func (c *client) Close() error { return c.conn.Close() }

func (c *client) call(methodID uint32, req, out interface{}) error {
	var payload []byte
	var err error
	if req != nil {
		payload, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	reply, err := c.conn.Call(methodID, payload)
	if err != nil {
		return err
	}
	if out == nil || len(reply) == 0 {
		return nil
	}
	return json.Unmarshal(reply, out)
}

func (c *client) getZoneInfo(id string) (api.ZoneInfo, error) {
	var info api.ZoneInfo
	err := c.call(api.MethodGetZoneInfo, api.ZoneIDRequest{ID: id}, &info)
	return info, err
}
