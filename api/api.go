// Package api defines the wire-level method ids and JSON payload shapes
// shared by the supervisor's host-facing RPC surface and the guard-facing
// RPC surface it speaks to each zone's guard process. Both sides build on
// rpcwire's framing; this package only fixes the stable enumeration of
// method ids, which begins at rpcwire.FirstUserMethodID (16), so ids below
// 16 are never assigned to an operation, and the request/response structs
// carried in each frame's payload.
package api

import "github.com/banksean/zoned/rpcwire"

// Host-facing method ids: the supervisor's control socket, dialed by the
// CLI and by in-zone agents that call back out to the host.
const (
	MethodLockQueue uint32 = rpcwire.FirstUserMethodID + iota
	MethodUnlockQueue
	MethodGetZoneIds
	MethodGetActiveZoneId
	MethodGetZoneInfo
	MethodCreateZone
	MethodDestroyZone
	MethodStartZone
	MethodShutdownZone
	MethodLockZone
	MethodUnlockZone
	MethodSetActiveZone
	MethodGrantDevice
	MethodRevokeDevice
	MethodDeclareFile
	MethodDeclareMount
	MethodDeclareLink
	MethodGetDeclarations
	MethodRemoveDeclaration
	MethodNetdevCreate
	MethodNetdevDestroy
	MethodNetdevList
	MethodNetdevSetAttr
	MethodNetdevGetAttr
	MethodNetdevDelIP
	MethodProxyCall
	MethodNotifyActiveZone
	MethodFileMoveRequest
	MethodSwitchToDefault
	MethodResizeTerm
)

// Guard-facing method ids, carried over the per-zone socket passed to the
// guard executable at exec time. These live on a separate Conn from the
// host-facing ones, so the numbering restarts at FirstUserMethodID.
const (
	MethodGuardSetConfig uint32 = rpcwire.FirstUserMethodID + iota
	MethodGuardStart
	MethodGuardStop
	MethodGuardResizeTerm
	MethodGuardProxyCall
)

// SignalActiveZoneChanged is broadcast to host clients whenever the
// foreground zone changes.
const SignalActiveZoneChanged = "ActiveZoneChanged"

// SignalConnectionStateChanged is broadcast whenever a peer connects to or
// disconnects from the supervisor's control socket.
const SignalConnectionStateChanged = "ConnectionStateChanged"

// SignalNotification is broadcast to every client connected to the
// supervisor's control socket when NotifyActiveZone is called or a
// FileMoveRequest succeeds; it is not addressed to a particular zone.
const SignalNotification = "Notification"

// ZoneInfo is GetZoneInfo's result.
type ZoneInfo struct {
	ID         string   `json:"id"`
	VT         int      `json:"vt"`
	State      string   `json:"state"`
	RootPath   string   `json:"rootPath"`
	InitPid    int      `json:"initPid"`
	Namespaces uint32   `json:"namespaces"`
	PTYPaths   []string `json:"ptyPaths,omitempty"`
}

// ResizeTermRequest asks the supervisor to forward a window size change to
// one of a running zone's PTY masters, by way of its guard.
type ResizeTermRequest struct {
	ID       string `json:"id"`
	Terminal int    `json:"terminal"`
	Rows     int    `json:"rows"`
	Cols     int    `json:"cols"`
}

// GetZoneInfoRequest/Result
type GetZoneInfoRequest struct {
	ID string `json:"id"`
}

// GetZoneIdsResult is the ordered list of known zone ids, in creation order.
type GetZoneIdsResult struct {
	IDs []string `json:"ids"`
}

// GetActiveZoneIdResult carries the foreground zone id, or "" if none.
type GetActiveZoneIdResult struct {
	ID string `json:"id"`
}

// CreateZoneRequest names the new zone and the template it is rendered
// from.
type CreateZoneRequest struct {
	ID           string `json:"id"`
	TemplateName string `json:"templateName"`
}

// ZoneIDRequest is the common shape for operations taking only an id:
// DestroyZone, StartZone, ShutdownZone, LockZone, UnlockZone,
// SetActiveZone, GetDeclarations.
type ZoneIDRequest struct {
	ID string `json:"id"`
}

// GrantDeviceRequest / RevokeDeviceRequest
type GrantDeviceRequest struct {
	ID         string `json:"id"`
	DevicePath string `json:"devicePath"`
	Flags      string `json:"flags"` // cgroup v1 devices.allow-style "rwm"
}

type RevokeDeviceRequest struct {
	ID         string `json:"id"`
	DevicePath string `json:"devicePath"`
}

// DeclareFileRequest / DeclareMountRequest / DeclareLinkRequest mirror
// zone.Declaration's three kinds, minus the generated id.
type DeclareFileRequest struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Source   string `json:"source,omitempty"`
	Contents []byte `json:"contents,omitempty"`
	Mode     uint32 `json:"mode,omitempty"`
}

type DeclareMountRequest struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Source string `json:"source"`
	Type   string `json:"type"`
	Flags  uint64 `json:"flags"`
	Data   string `json:"data"`
}

type DeclareLinkRequest struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Target string `json:"target"`
}

// DeclarationResult carries a newly assigned declaration id.
type DeclarationResult struct {
	DeclID string `json:"declId"`
}

// GetDeclarationsResult lists every declaration id, kind, and path for a
// zone.
type GetDeclarationsResult struct {
	Declarations []DeclarationSummary `json:"declarations"`
}

type DeclarationSummary struct {
	DeclID string `json:"declId"`
	Kind   string `json:"kind"`
	Path   string `json:"path"`
}

// RemoveDeclarationRequest
type RemoveDeclarationRequest struct {
	ID     string `json:"id"`
	DeclID string `json:"declId"`
}

// NetdevCreateRequest describes one device to attach to a running zone.
type NetdevCreateRequest struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"` // "veth", "macvlan", "phys"
	HostName      string `json:"hostName"`
	ZoneName      string `json:"zoneName"`
	MacvlanParent string `json:"macvlanParent,omitempty"`
}

type NetdevDestroyRequest struct {
	ID       string `json:"id"`
	HostName string `json:"hostName"`
}

type NetdevListResult struct {
	Devices []string `json:"devices"`
}

type NetdevAttrRequest struct {
	ID     string `json:"id"`
	Device string `json:"device"`
	Attr   string `json:"attr,omitempty"`
	Value  string `json:"value,omitempty"`
}

type NetdevAttrResult struct {
	Value string `json:"value"`
}

type NetdevDelIPRequest struct {
	ID      string `json:"id"`
	Device  string `json:"device"`
	Address string `json:"address"`
}

// ProxyCallRequest carries the full 6-tuple plus an opaque argument blob
// forwarded verbatim to the destination.
type ProxyCallRequest struct {
	Caller     string `json:"caller"`
	Target     string `json:"target"`
	BusName    string `json:"busName"`
	ObjectPath string `json:"objectPath"`
	Interface  string `json:"interface"`
	Method     string `json:"method"`
	Args       []byte `json:"args,omitempty"`
}

// ProxyCallResult carries the destination's reply verbatim.
type ProxyCallResult struct {
	Reply []byte `json:"reply"`
}

// NotifyActiveZoneRequest
type NotifyActiveZoneRequest struct {
	Application string `json:"application"`
	Message     string `json:"message"`
}

// FileMoveRequestArgs
type FileMoveRequestArgs struct {
	SrcID string `json:"srcId"`
	DstID string `json:"dstId"`
	Path  string `json:"path"`
}

// FileMoveResult carries the status code string the spec requires
// (e.g. "FILE_MOVE_SUCCEEDED").
type FileMoveResult struct {
	Status string `json:"status"`
}

const (
	FileMoveSucceeded = "FILE_MOVE_SUCCEEDED"
	FileMoveFailed    = "FILE_MOVE_FAILED"
)

// NotificationSignal is the payload of a SignalNotification broadcast.
type NotificationSignal struct {
	Source string `json:"source"`
	Code   string `json:"code"`
	Path   string `json:"path,omitempty"`
}

// Guard-facing payloads.

// GuardSetConfigRequest carries the zone's ContainerConfig as JSON; kept
// as a raw blob here (rather than importing zone.ContainerConfig) so api
// has no dependency beyond rpcwire. Callers marshal/unmarshal the config
// themselves using encoding/json against zone.ContainerConfig.
type GuardSetConfigRequest struct {
	ConfigJSON []byte `json:"configJson"`
}

// GuardStartResult carries the spawned init's pid and the host-visible
// paths of the PTY masters allocated for it, so the supervisor can relay
// them to a console client without dialing the guard directly.
type GuardStartResult struct {
	InitPid  int      `json:"initPid"`
	PTYPaths []string `json:"ptyPaths,omitempty"`
}

// GuardStopResult carries init's reaped wait status.
type GuardStopResult struct {
	ExitCode int  `json:"exitCode"`
	Signaled bool `json:"signaled"`
}

// GuardResizeTermRequest asks the guard to propagate a window size change
// to one of the zone's in-zone PTY masters.
type GuardResizeTermRequest struct {
	Terminal int `json:"terminal"`
	Rows     int `json:"rows"`
	Cols     int `json:"cols"`
}
