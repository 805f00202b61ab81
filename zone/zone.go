// Package zone defines the data model shared by the supervisor and the
// guard: the Zone aggregate, its serialized ContainerConfig snapshot, and
// the small value types (PTY pairs, declarations, proxy-call rules) that
// flow between them.
package zone

import (
	"fmt"
	"regexp"
)

// Namespace is one bit of the namespace mask a zone is started with.
type Namespace int

const (
	NSUser Namespace = 1 << iota
	NSMount
	NSPID
	NSUTS
	NSIPC
	NSNet
)

// Mask is a set of Namespace bits.
type Mask int

func (m Mask) Has(ns Namespace) bool { return m&Mask(ns) != 0 }

func (m Mask) String() string {
	names := []struct {
		ns   Namespace
		name string
	}{
		{NSUser, "user"}, {NSMount, "mnt"}, {NSPID, "pid"},
		{NSUTS, "uts"}, {NSIPC, "ipc"}, {NSNet, "net"},
	}
	s := ""
	for _, n := range names {
		if m.Has(n.ns) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// State is a zone's lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Paused
	Aborting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Paused:
		return "PAUSED"
	case Aborting:
		return "ABORTING"
	default:
		return "UNKNOWN"
	}
}

// IDMapEntry is one line of a uid_map/gid_map: "container host length".
type IDMapEntry struct {
	ContainerID int
	HostID      int
	Length      int
}

// ReservedID is forbidden as a zone id: it names the host itself in
// proxy-call routing.
const ReservedID = "host"

// Zone is the primary aggregate owned exclusively by the manager.
type Zone struct {
	ID           string
	RootPath     string
	TemplateName string
	InitArgv     []string

	Namespaces Mask
	UIDMap     []IDMapEntry
	GIDMap     []IDMapEntry

	TerminalCount int

	GuardPid int // 0 means unset
	InitPid  int // 0 means unset

	// PTYPaths are the host-visible device paths of the terminals the
	// guard allocated on the most recent Start, in allocation order.
	PTYPaths []string

	State State

	PermittedSendPatterns []string
	PermittedRecvPatterns []string

	SwitchToDefaultOnDisplayOff bool
	Priority                    int

	// VT is the virtual terminal number reserved for this zone at create time.
	VT int
	// IPThirdOctet is the monotonically assigned /24 third octet for this zone's network.
	IPThirdOctet int

	Foreground bool
}

// Validate checks the invariants from the data model: non-empty id, the
// reserved "host" id is forbidden, non-empty init argv, UID/GID maps
// required whenever the user namespace is requested, and a non-"/" root
// path under the user namespace.
func (z *Zone) Validate() error {
	if z.ID == "" {
		return fmt.Errorf("zone id must not be empty")
	}
	if z.ID == ReservedID {
		return fmt.Errorf("zone id %q is reserved", ReservedID)
	}
	if len(z.InitArgv) == 0 {
		return fmt.Errorf("zone %s: initArgv must not be empty", z.ID)
	}
	if z.TerminalCount <= 0 {
		z.TerminalCount = 1
	}
	if z.Namespaces.Has(NSUser) {
		if len(z.UIDMap) == 0 || len(z.GIDMap) == 0 {
			return fmt.Errorf("zone %s: user namespace requires non-empty UID and GID maps", z.ID)
		}
		if z.RootPath == "/" {
			return fmt.Errorf("zone %s: rootPath must not be \"/\" under a user namespace", z.ID)
		}
	}
	for _, pat := range z.PermittedSendPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("zone %s: invalid send pattern %q: %w", z.ID, pat, err)
		}
	}
	for _, pat := range z.PermittedRecvPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("zone %s: invalid recv pattern %q: %w", z.ID, pat, err)
		}
	}
	return nil
}

// IsRunning reports whether the zone's invariant state == RUNNING holds:
// initPid set and guard channel connected is tracked by the manager, but the
// in-memory state field is the authoritative flag once the manager has
// observed both conditions.
func (z *Zone) IsRunning() bool { return z.State == Running }

// matchesAny reports whether any pattern in pats matches path.
func matchesAny(pats []string, path string) bool {
	for _, pat := range pats {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// CanSend reports whether path may be sent out of this zone.
func (z *Zone) CanSend(path string) bool { return matchesAny(z.PermittedSendPatterns, path) }

// CanReceive reports whether path may be received into this zone.
func (z *Zone) CanReceive(path string) bool { return matchesAny(z.PermittedRecvPatterns, path) }
