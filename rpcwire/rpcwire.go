// Package rpcwire implements the length-prefixed framing used on every
// control socket in the system: supervisor<->guard, client<->supervisor,
// and the attach control channel. A frame is
//
//	uint32 methodId, uint64 messageId, uint32 payloadLen, payload
//
// all fields big-endian. Three method ids are reserved and never dispatched
// as ordinary calls: RETURN carries a reply, REGISTER_SIGNAL carries one
// broadcast signal (its name on the first payload line, then its data) to
// the receiving peer's Subscribe channels, and ERROR carries a zerr.Error.
// No frame announces which signals a peer emits.
package rpcwire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/banksean/zoned/zerr"
)

// Reserved method ids. Application method ids must be >= FirstUserMethodID.
const (
	MethodReturn         uint32 = 0
	MethodRegisterSignal uint32 = 1
	MethodError          uint32 = 2
	FirstUserMethodID    uint32 = 16
)

// Frame is one decoded message.
type Frame struct {
	MethodID  uint32
	MessageID uint64
	Payload   []byte
}

// WriteFrame writes f to w. It is safe to call concurrently only if w
// itself serializes writes; Conn below wraps this with a mutex.
func WriteFrame(w io.Writer, f Frame) error {
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint32(hdr[0:4], f.MethodID)
	binary.BigEndian.PutUint64(hdr[4:12], f.MessageID)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(f.Payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("rpcwire: write header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("rpcwire: write payload: %w", err)
		}
	}
	return nil
}

// maxPayload bounds a single frame's payload so a corrupt or hostile peer
// cannot force an unbounded allocation.
const maxPayload = 64 << 20

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[12:16])
	if length > maxPayload {
		return Frame{}, fmt.Errorf("rpcwire: frame payload %d exceeds max %d", length, maxPayload)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("rpcwire: read payload: %w", err)
		}
	}
	return Frame{
		MethodID:  binary.BigEndian.Uint32(hdr[0:4]),
		MessageID: binary.BigEndian.Uint64(hdr[4:12]),
		Payload:   payload,
	}, nil
}

// errorPayload is the wire shape of a MethodError frame's payload.
type errorPayload struct {
	Kind    zerr.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Conn is a framed, request/reply connection shared by both sides of the
// control socket: ServeLoop reads every incoming frame, answering calls
// through a Handler and routing replies to the matching pending Call.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	writeMu sync.Mutex

	nextMsgID uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Frame

	signalMu   sync.Mutex
	signalSubs map[string][]chan Frame
}

// NewConn wraps nc in a framed Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:         nc,
		r:          bufio.NewReader(nc),
		pending:    make(map[uint64]chan Frame),
		signalSubs: make(map[string][]chan Frame),
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Send writes a frame, serializing concurrent writers.
func (c *Conn) Send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.nc, f)
}

// Recv reads the next frame; it takes no lock, so concurrent readers must
// not share a Conn. Most callers
// should instead run ServeLoop, which owns the single reader goroutine for
// the life of the connection.
func (c *Conn) Recv() (Frame, error) {
	return ReadFrame(c.r)
}

// Call sends methodID/payload as a new request and blocks for its
// MethodReturn (or MethodError, translated into a *zerr.Error) reply. The
// reply is delivered by ServeLoop, which must be running on c.
func (c *Conn) Call(methodID uint32, payload []byte) ([]byte, error) {
	msgID := atomic.AddUint64(&c.nextMsgID, 1)
	replyCh := make(chan Frame, 1)

	c.pendingMu.Lock()
	c.pending[msgID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(Frame{MethodID: methodID, MessageID: msgID, Payload: payload}); err != nil {
		return nil, err
	}

	reply := <-replyCh
	if reply.MethodID == MethodError {
		var ep errorPayload
		if err := json.Unmarshal(reply.Payload, &ep); err != nil {
			return nil, zerr.New(zerr.Internal, "malformed error frame: %v", err)
		}
		return nil, &zerr.Error{Kind: ep.Kind, Message: ep.Message}
	}
	return reply.Payload, nil
}

// Handler dispatches one application method id, returning either a reply
// payload or a *zerr.Error (or any error, which is translated via
// zerr.Wrap(zerr.Internal, ...) before being sent back).
type Handler func(methodID uint32, payload []byte) ([]byte, error)

// ServeLoop reads frames until reading one fails (normally because the
// connection closed) and returns that error. Handler errors never stop it;
// each is converted to an ERROR frame and sent back.
// MethodReturn and MethodError frames are routed to the matching pending
// Call; REGISTER_SIGNAL frames are routed to Subscribe channels; everything
// else is dispatched to handle.
func (c *Conn) ServeLoop(handle Handler) error {
	for {
		f, err := c.Recv()
		if err != nil {
			return err
		}
		switch f.MethodID {
		case MethodReturn, MethodError:
			c.pendingMu.Lock()
			ch := c.pending[f.MessageID]
			c.pendingMu.Unlock()
			if ch != nil {
				ch <- f
			}
		case MethodRegisterSignal:
			c.dispatchSignal(f)
		default:
			go c.dispatchCall(f, handle)
		}
	}
}

func (c *Conn) dispatchCall(f Frame, handle Handler) {
	reply, err := handle(f.MethodID, f.Payload)
	if err != nil {
		kind, _ := zerr.As(err)
		ep, _ := json.Marshal(errorPayload{Kind: kind, Message: err.Error()})
		_ = c.Send(Frame{MethodID: MethodError, MessageID: f.MessageID, Payload: ep})
		return
	}
	_ = c.Send(Frame{MethodID: MethodReturn, MessageID: f.MessageID, Payload: reply})
}

// Subscribe registers ch to receive every REGISTER_SIGNAL frame whose
// payload's first line equals name, the notification channel used for
// e.g. active-zone-changed broadcasts.
func (c *Conn) Subscribe(name string, ch chan Frame) {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	c.signalSubs[name] = append(c.signalSubs[name], ch)
}

func (c *Conn) dispatchSignal(f Frame) {
	name := signalName(f.Payload)
	c.signalMu.Lock()
	subs := append([]chan Frame(nil), c.signalSubs[name]...)
	c.signalMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func signalName(payload []byte) string {
	for i, b := range payload {
		if b == '\n' {
			return string(payload[:i])
		}
	}
	return string(payload)
}
