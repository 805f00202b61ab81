// Server wiring for the supervisor's host-facing control socket: a
// clientRegistry tracking every connected rpcwire.Conn (for broadcast
// signal delivery), a dispatch table mapping api.Method* ids to Manager
// operations, and a gRPC health endpoint so orchestration tooling has a
// standard liveness probe without hand-written protobuf: the health and
// grpc_health_v1 packages ship their generated code inside
// google.golang.org/grpc itself, so this wires the real grpc/otelgrpc/
// health-checking stack without any unverifiable hand-rolled .pb.go.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/rpcwire"
	"github.com/banksean/zoned/zerr"
)

// clientRegistry tracks every host client currently connected to the
// control socket, so signal broadcasts (ActiveZoneChanged,
// ConnectionStateChanged, Notification) reach all of them.
type clientRegistry struct {
	mu      sync.Mutex
	clients map[*rpcwire.Conn]struct{}
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[*rpcwire.Conn]struct{})}
}

func (r *clientRegistry) add(c *rpcwire.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}
}

func (r *clientRegistry) remove(c *rpcwire.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

func (r *clientRegistry) snapshot() []*rpcwire.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*rpcwire.Conn, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a REGISTER_SIGNAL-shaped frame carrying name followed by
// a newline and payload to every connected client, the same framing
// rpcwire.Conn.Subscribe's dispatch matches on.
func (r *clientRegistry) Broadcast(name string, payload []byte) {
	framed := append([]byte(name+"\n"), payload...)
	for _, c := range r.snapshot() {
		_ = c.Send(rpcwire.Frame{MethodID: rpcwire.MethodRegisterSignal, Payload: framed})
	}
}

// ServeControlSocket accepts host client connections on socketPath until
// ctx is cancelled, dispatching each request through Dispatch and
// broadcasting ConnectionStateChanged on connect/disconnect.
func (m *Manager) ServeControlSocket(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("manager: listen %s: %w", socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("manager: accept: %w", err)
			}
		}
		conn := rpcwire.NewConn(nc)
		m.clients.add(conn)
		m.clients.Broadcast(api.SignalConnectionStateChanged, []byte(`{"connected":true}`))

		go func() {
			if err := conn.ServeLoop(m.Dispatch); err != nil {
				slog.Info("manager: client disconnected", "error", err)
			}
			m.clients.remove(conn)
			m.clients.Broadcast(api.SignalConnectionStateChanged, []byte(`{"connected":false}`))
		}()
	}
}

// Dispatch is the rpcwire.Handler for the control socket: it decodes one
// request payload, calls the matching Manager operation, and encodes the
// result, translating every returned error into the ERROR frame
// ServeLoop's caller already knows how to produce.
func (m *Manager) Dispatch(methodID uint32, payload []byte) ([]byte, error) {
	switch methodID {
	case api.MethodLockQueue:
		m.LockQueue()
		return nil, nil
	case api.MethodUnlockQueue:
		return nil, m.UnlockQueue()

	case api.MethodGetZoneIds:
		return json.Marshal(m.GetZoneIds())

	case api.MethodGetActiveZoneId:
		return json.Marshal(m.GetActiveZoneId())

	case api.MethodGetZoneInfo:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		z, err := m.GetZoneInfo(req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.ZoneInfo{
			ID: z.ID, VT: z.VT, State: z.State.String(), RootPath: z.RootPath,
			InitPid: z.InitPid, Namespaces: uint32(z.Namespaces), PTYPaths: z.PTYPaths,
		})

	case api.MethodCreateZone:
		var req api.CreateZoneRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		id, err := m.CreateZone(req.ID, req.TemplateName)
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.ZoneIDRequest{ID: id})

	case api.MethodDestroyZone:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.DestroyZone(req.ID, nil)

	case api.MethodStartZone:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.StartZone(req.ID)

	case api.MethodShutdownZone:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.ShutdownZone(req.ID)

	case api.MethodLockZone:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.LockZone(req.ID)

	case api.MethodUnlockZone:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.UnlockZone(req.ID)

	case api.MethodSetActiveZone:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := m.SetActiveZone(req.ID); err != nil {
			return nil, err
		}
		m.clients.Broadcast(api.SignalActiveZoneChanged, []byte(fmt.Sprintf(`{"id":%q}`, req.ID)))
		return nil, nil

	case api.MethodSwitchToDefault:
		if err := m.SwitchToDefault(); err != nil {
			return nil, err
		}
		m.clients.Broadcast(api.SignalActiveZoneChanged, []byte(fmt.Sprintf(`{"id":%q}`, m.GetActiveZoneId())))
		return nil, nil

	case api.MethodResizeTerm:
		var req api.ResizeTermRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.ResizeTerm(req.ID, req.Terminal, req.Rows, req.Cols)

	case api.MethodGrantDevice:
		var req api.GrantDeviceRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.GrantDevice(req.ID, req.DevicePath, req.Flags)

	case api.MethodRevokeDevice:
		var req api.RevokeDeviceRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.RevokeDevice(req.ID, req.DevicePath)

	case api.MethodDeclareFile:
		var req api.DeclareFileRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		declID, err := m.DeclareFile(req.ID, req.Path, req.Source, req.Contents, req.Mode)
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.DeclarationResult{DeclID: declID})

	case api.MethodDeclareMount:
		var req api.DeclareMountRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		declID, err := m.DeclareMount(req.ID, req.Path, req.Source, req.Type, req.Flags, req.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.DeclarationResult{DeclID: declID})

	case api.MethodDeclareLink:
		var req api.DeclareLinkRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		declID, err := m.DeclareLink(req.ID, req.Path, req.Target)
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.DeclarationResult{DeclID: declID})

	case api.MethodGetDeclarations:
		var req api.ZoneIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		decls, err := m.GetDeclarations(req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.GetDeclarationsResult{Declarations: decls})

	case api.MethodRemoveDeclaration:
		var req api.RemoveDeclarationRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.RemoveDeclaration(req.ID, req.DeclID)

	case api.MethodNetdevCreate:
		var req api.NetdevCreateRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.NetdevCreate(req.ID, req.Kind, req.HostName, req.ZoneName, req.MacvlanParent)

	case api.MethodNetdevDestroy:
		var req api.NetdevDestroyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.NetdevDestroy(req.ID, req.HostName)

	case api.MethodNetdevList:
		devices, err := m.NetdevList()
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.NetdevListResult{Devices: devices})

	case api.MethodNetdevSetAttr:
		var req api.NetdevAttrRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.NetdevSetAttr(req.Device, req.Attr, req.Value)

	case api.MethodNetdevGetAttr:
		var req api.NetdevAttrRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		value, err := m.NetdevGetAttr(req.Device, req.Attr)
		if err != nil {
			return nil, err
		}
		return json.Marshal(api.NetdevAttrResult{Value: value})

	case api.MethodNetdevDelIP:
		var req api.NetdevDelIPRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.NetdevDelIP(req.Device, req.Address)

	case api.MethodProxyCall:
		var req api.ProxyCallRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		res, err := m.ProxyCall(req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)

	case api.MethodNotifyActiveZone:
		var req api.NotifyActiveZoneRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.NotifyActiveZone(req.Application, req.Message)

	case api.MethodFileMoveRequest:
		var req api.FileMoveRequestArgs
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		res, err := m.FileMoveRequest(req.SrcID, req.DstID, req.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)

	default:
		return nil, zerr.New(zerr.Internal, "manager: unknown method id %d", methodID)
	}
}

func decode(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return zerr.New(zerr.Internal, "manager: decode request: %v", err)
	}
	return nil
}

// ServeHealth starts a gRPC server on lis exposing only the standard
// health-checking service, its status driven by RefreshHealth. The
// otelgrpc stats handler traces every unary/stream call on this server;
// the rpcwire control sockets are not traced.
func ServeHealth(ctx context.Context, lis net.Listener, hs *health.Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	go func() {
		if err := srv.Serve(lis); err != nil {
			slog.Info("manager: health server stopped", "error", err)
		}
	}()
	return srv
}

// RefreshHealth sets the overall serving status to SERVING and each known
// zone's status to SERVING iff it is RUNNING, NOT_SERVING otherwise,
// keyed "zone:<id>" the way a caller would query per-zone liveness.
func (m *Manager) RefreshHealth(hs *health.Server) {
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, z := range m.orderedSnapshotLocked() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if z.IsRunning() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("zone:"+z.ID, status)
	}
}

func (m *Manager) orderedSnapshotLocked() []*zoneSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs := m.orderedSnapshot()
	out := make([]*zoneSnapshot, len(zs))
	for i, z := range zs {
		out[i] = &zoneSnapshot{ID: z.ID, running: z.IsRunning()}
	}
	return out
}

type zoneSnapshot struct {
	ID      string
	running bool
}

func (z *zoneSnapshot) IsRunning() bool { return z.running }
