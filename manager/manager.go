// Package manager implements the supervisor's zone registry and the
// lifecycle/focus/declaration/device/netdev/proxy-call operations RPC
// clients drive against it: the "zone manager" component of the design,
// grounded on the teacher's SandBoxer (sandbox/sandboxer.go) for the
// owns-a-map-of-live-resources-plus-a-persisted-index shape, generalized
// from sandboxes to zones and from a JSON-file-per-sandbox index to the
// store package's sqlite-backed DynamicConfig.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/banksean/zoned/config"
	"github.com/banksean/zoned/policy"
	"github.com/banksean/zoned/sshprov"
	"github.com/banksean/zoned/store"
	"github.com/banksean/zoned/workerpool"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// VTHook activates a virtual terminal on the host console, the platform
// hook the focus algorithm calls on SetActiveZone. The supervisor binary
// supplies a real implementation; tests and non-Linux-console deployments
// use NoopVTHook.
type VTHook interface {
	Activate(vt int) error
}

// NoopVTHook implements VTHook by doing nothing.
type NoopVTHook struct{}

func (NoopVTHook) Activate(int) error { return nil }

// Options configures a new Manager.
type Options struct {
	Static *config.Static
	Store  *store.Store

	TemplatesDir  string // raw ~NAME~/~IP~/~VT~ template files, one per template name
	ZoneConfigDir string // rendered per-zone config files live here
	ZonesPath     string // rootfs directories live under here, one per zone id
	WorkPath      string // guard staging dir (<id>.dev, <id>.devpts)

	Policy *policy.Engine
	VTHook VTHook

	// SSHProvisioner, if set, issues a host key/certificate for every newly
	// created zone and declares it into the rootfs so the zone's in-guest
	// sshd is reachable without a trust-on-first-use prompt. Nil disables
	// SSH provisioning entirely.
	SSHProvisioner *sshprov.Provisioner

	// Spawner creates the per-zone guard process. Defaults to
	// RealGuardSpawner; tests substitute a fake.
	Spawner GuardSpawner

	// Workers sizes the async worker pool. DestroyZone is the only
	// operation submitted to it; CreateZone and StartZone run on the
	// calling goroutine.
	Workers int
}

// Manager is the supervisor: sole owner of the zone registry, its
// persisted dynamic config, and the policy/worker-pool/guard-client
// machinery every RPC handler touches. All exported methods acquire mu;
// none call each other directly while holding it; internal no-lock
// variants are used from within a handler that already holds it.
//
// The design calls for "a single recursive mutex held only inside
// handlers." Go's sync.Mutex isn't reentrant, so instead of layering a
// recursive lock on top of it, every exported method takes the lock once
// and any cross-operation reuse goes through the unexported *Locked
// helpers that assume it is already held, the same non-reentrant
// discipline Go's standard library and the teacher's pool package use.
type Manager struct {
	static *config.Static
	store  *store.Store

	templatesDir  string
	zoneConfigDir string
	zonesPath     string
	workPath      string

	policy  *policy.Engine
	vtHook  VTHook
	spawn   GuardSpawner
	sshProv *sshprov.Provisioner

	pool *workerpool.Pool

	mu         sync.Mutex
	zones      map[string]*zone.Zone
	order      []string // creation order
	foreground string
	defaultID  string

	guards map[string]*guardSession

	nextIPOctet int
	nextVT      int

	namegen namegenerator.Generator

	clients *clientRegistry

	// queueLock backs LockQueue/UnlockQueue: an advisory semaphore a client
	// holds across a multi-call sequence it wants to run without another
	// client interleaving. It is independent of mu, which every single
	// handler still takes for its own duration regardless of queueLock's
	// state, so LockQueue can never deadlock the manager against itself.
	queueLock chan struct{}
}

// New constructs a Manager and loads any zones persisted from a previous
// run. It does not start anything; StartAll (called by the supervisor
// binary at boot) spawns guards for every loaded zone.
func New(opt Options) (*Manager, error) {
	if opt.Policy == nil {
		opt.Policy = policy.New(nil)
	}
	if opt.VTHook == nil {
		opt.VTHook = NoopVTHook{}
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	m := &Manager{
		static:        opt.Static,
		store:         opt.Store,
		templatesDir:  opt.TemplatesDir,
		zoneConfigDir: opt.ZoneConfigDir,
		zonesPath:     opt.ZonesPath,
		workPath:      opt.WorkPath,
		policy:        opt.Policy,
		vtHook:        opt.VTHook,
		sshProv:       opt.SSHProvisioner,
		pool:          workerpool.New(opt.Workers),
		zones:         make(map[string]*zone.Zone),
		guards:        make(map[string]*guardSession),
		namegen:       namegenerator.NewNameGenerator(time.Now().UnixNano()),
		clients:       newClientRegistry(),
		queueLock:     make(chan struct{}, 1),
	}
	m.spawn = opt.Spawner
	if m.spawn == nil {
		m.spawn = RealGuardSpawner{WorkPath: opt.WorkPath}
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load hydrates the registry from the store's persisted DynamicConfig,
// parsing each rendered zone config file back into a zone.Zone.
func (m *Manager) load() error {
	dyn, err := m.store.LoadDynamicConfig()
	if err != nil {
		return fmt.Errorf("manager: load dynamic config: %w", err)
	}
	m.defaultID = dyn.DefaultZoneID

	for _, path := range dyn.ZoneConfigPaths {
		z, err := loadZoneConfig(path)
		if err != nil {
			return fmt.Errorf("manager: load zone config %s: %w", path, err)
		}
		m.zones[z.ID] = z
		m.order = append(m.order, z.ID)
		if z.IPThirdOctet >= m.nextIPOctet {
			m.nextIPOctet = z.IPThirdOctet + 1
		}
		if z.VT >= m.nextVT {
			m.nextVT = z.VT + 1
		}
		if z.Foreground {
			m.foreground = z.ID
		}
	}
	if m.nextIPOctet == 0 {
		m.nextIPOctet = 1
	}
	if m.nextVT == 0 {
		m.nextVT = 2 // VT1 is conventionally the host console
	}
	return nil
}

// Close shuts down the worker pool, waiting up to ctx's deadline for
// in-flight DestroyZone jobs to finish.
func (m *Manager) Close(ctx context.Context) error {
	return m.pool.Shutdown(ctx)
}

// GetZoneIds returns every known zone id in creation order.
func (m *Manager) GetZoneIds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// GetActiveZoneId returns the foreground zone id, or "" if none is
// focused.
func (m *Manager) GetActiveZoneId() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// ForegroundRunningZoneID returns the foreground zone id only if that zone
// is actually RUNNING, distinct from GetActiveZoneId which may name a
// configured-but-stopped zone. Supplemented from the original's
// getRunningForegroundContainerId (see SPEC_FULL.md §4).
func (m *Manager) ForegroundRunningZoneID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.foreground == "" {
		return ""
	}
	z, ok := m.zones[m.foreground]
	if !ok || z.State != zone.Running {
		return ""
	}
	return m.foreground
}

func (m *Manager) zoneLocked(id string) (*zone.Zone, error) {
	z, ok := m.zones[id]
	if !ok {
		return nil, zerr.New(zerr.InvalidId, "no such zone %q", id)
	}
	return z, nil
}

// GetZoneInfo returns the wire-visible snapshot of one zone.
func (m *Manager) GetZoneInfo(id string) (zone.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zoneLocked(id)
	if err != nil {
		return zone.Zone{}, err
	}
	return *z, nil
}

// orderedSnapshot returns a fresh slice of every zone, in creation order
// (the *zone.Zone pointers are the registry's own, not copies), for callers that need to range over the whole registry (focus
// cycling, StartAll's lowest-priority election).
func (m *Manager) orderedSnapshot() []*zone.Zone {
	out := make([]*zone.Zone, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.zones[id])
	}
	return out
}

// sortedByPriority returns zones in ascending Priority order, ties broken by
// creation order; used by StartAll to elect a foreground zone when none is
// configured.
func sortedByPriority(zones []*zone.Zone) []*zone.Zone {
	out := append([]*zone.Zone(nil), zones...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
