package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/cgroup"
	"github.com/banksean/zoned/config"
	"github.com/banksean/zoned/policy"
	"github.com/banksean/zoned/store"
	"github.com/banksean/zoned/zone"
)

// fakeGuardHandle is a GuardHandle that never touches the kernel: Start
// assigns a fake pid, Stop reports a clean exit, ProxyCall echoes its args.
type fakeGuardHandle struct {
	stopped  bool
	resized  []int
	proxied  []api.ProxyCallRequest
}

func (h *fakeGuardHandle) Start() (int, error) { return 4242, nil }

func (h *fakeGuardHandle) Stop() (api.GuardStopResult, error) {
	h.stopped = true
	return api.GuardStopResult{ExitCode: 0}, nil
}

func (h *fakeGuardHandle) ResizeTerm(terminal, rows, cols int) error {
	h.resized = append(h.resized, terminal)
	return nil
}

func (h *fakeGuardHandle) ProxyCall(req api.ProxyCallRequest) (api.ProxyCallResult, error) {
	h.proxied = append(h.proxied, req)
	return api.ProxyCallResult{Reply: req.Args}, nil
}

func (h *fakeGuardHandle) Close() error { return nil }

func (h *fakeGuardHandle) PTYPaths() []string { return []string{"/dev/pts/fake0"} }

// fakeSpawner hands out a fresh fakeGuardHandle per zone and remembers them
// by zone id so a test can inspect guard-level interactions afterward.
type fakeSpawner struct {
	handles map[string]*fakeGuardHandle
}

func newFakeSpawner() *fakeSpawner { return &fakeSpawner{handles: make(map[string]*fakeGuardHandle)} }

func (s *fakeSpawner) Spawn(z *zone.Zone, cfg *zone.ContainerConfig) (GuardHandle, error) {
	h := &fakeGuardHandle{}
	s.handles[z.ID] = h
	return h, nil
}

// testManager builds a Manager against a scratch directory tree and a real
// (file-backed, throwaway) sqlite store, with a fake guard spawner and
// cgroup.Root pointed at a temp dir so LockZone/UnlockZone/GrantDevice
// exercise real file I/O without a real cgroupfs.
func testManager(t *testing.T, templates []config.ZoneTemplate) (*Manager, *fakeSpawner) {
	t.Helper()
	dir := t.TempDir()

	cgroupRoot := filepath.Join(dir, "cgroup")
	origRoot := cgroup.Root
	cgroup.Root = cgroupRoot
	t.Cleanup(func() { cgroup.Root = origRoot })

	templatesDir := filepath.Join(dir, "templates")
	zoneConfigDir := filepath.Join(dir, "zones.d")
	zonesPath := filepath.Join(dir, "rootfs")
	workPath := filepath.Join(dir, "work")
	for _, p := range []string{templatesDir, zoneConfigDir, zonesPath, workPath} {
		if err := os.MkdirAll(p, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
	}

	for _, tmpl := range templates {
		raw := "rootPath: \"\"\n" +
			"initArgv: [\"/sbin/init\"]\n" +
			"namespaces: []\n" +
			"terminalCount: 1\n" +
			"priority: " + itoa(tmpl.Priority) + "\n"
		if err := os.WriteFile(filepath.Join(templatesDir, tmpl.Name+".yaml"), []byte(raw), 0644); err != nil {
			t.Fatalf("write template: %v", err)
		}
	}

	st, err := store.Open(filepath.Join(dir, "zoned.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	spawner := newFakeSpawner()
	m, err := New(Options{
		Static:        &config.Static{ZoneTemplates: templates},
		Store:         st,
		TemplatesDir:  templatesDir,
		ZoneConfigDir: zoneConfigDir,
		ZonesPath:     zonesPath,
		WorkPath:      workPath,
		Policy:        policy.New(nil),
		Spawner:       spawner,
		Workers:       2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, spawner
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestCreateStartDestroyZone(t *testing.T) {
	m, spawner := testManager(t, []config.ZoneTemplate{{Name: "plain", Priority: 1}})

	id, err := m.CreateZone("z1", "plain")
	if err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if id != "z1" {
		t.Fatalf("got id %q, want z1", id)
	}

	info, err := m.GetZoneInfo("z1")
	if err != nil {
		t.Fatalf("GetZoneInfo: %v", err)
	}
	if info.State != zone.Stopped {
		t.Fatalf("new zone state = %s, want STOPPED", info.State)
	}

	if err := m.StartZone("z1"); err != nil {
		t.Fatalf("StartZone: %v", err)
	}
	info, _ = m.GetZoneInfo("z1")
	if info.State != zone.Running {
		t.Fatalf("started zone state = %s, want RUNNING", info.State)
	}
	if info.InitPid != 4242 {
		t.Fatalf("InitPid = %d, want 4242", info.InitPid)
	}

	done := make(chan error, 1)
	if err := m.DestroyZone("z1", func(err error) { done <- err }); err != nil {
		t.Fatalf("DestroyZone: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("destroy job failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("destroy never completed")
	}

	if _, err := m.GetZoneInfo("z1"); err == nil {
		t.Fatal("expected z1 to be gone after destroy")
	}
	if !spawner.handles["z1"].stopped {
		t.Fatal("expected guard Stop to have been called")
	}
}

func TestLockUnlockSemantics(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{{Name: "plain"}})
	if _, err := m.CreateZone("z1", "plain"); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if err := m.StartZone("z1"); err != nil {
		t.Fatalf("StartZone: %v", err)
	}

	if err := m.LockZone("z1"); err != nil {
		t.Fatalf("LockZone: %v", err)
	}
	if err := m.LockZone("z1"); err == nil {
		t.Fatal("expected second LockZone to fail with InvalidState")
	}
	if err := m.UnlockZone("z1"); err != nil {
		t.Fatalf("UnlockZone: %v", err)
	}
	if err := m.UnlockZone("z1"); err == nil {
		t.Fatal("expected second UnlockZone to fail with InvalidState")
	}
}

func TestProxyCallForbiddenByDefault(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{{Name: "plain"}})
	if _, err := m.CreateZone("z1", "plain"); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if err := m.StartZone("z1"); err != nil {
		t.Fatalf("StartZone: %v", err)
	}

	_, err := m.ProxyCall(api.ProxyCallRequest{Caller: "host", Target: "z1", Interface: "com.example.Foo", Method: "Bar"})
	if err == nil {
		t.Fatal("expected ProxyCall to be denied with no policy rules configured")
	}
}

func TestFocusCycleElectsLowestPriority(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{
		{Name: "low", Priority: 1},
		{Name: "high", Priority: 10},
	})
	if _, err := m.CreateZone("zlow", "low"); err != nil {
		t.Fatalf("CreateZone zlow: %v", err)
	}
	if _, err := m.CreateZone("zhigh", "high"); err != nil {
		t.Fatalf("CreateZone zhigh: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got := m.GetActiveZoneId(); got != "zlow" {
		t.Fatalf("elected foreground = %q, want zlow", got)
	}

	if err := m.SetActiveZone("zhigh"); err != nil {
		t.Fatalf("SetActiveZone: %v", err)
	}
	if got := m.GetActiveZoneId(); got != "zhigh" {
		t.Fatalf("foreground = %q, want zhigh", got)
	}
}

func TestFileMoveAllowList(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{{Name: "plain"}})
	if _, err := m.CreateZone("src", "plain"); err != nil {
		t.Fatalf("CreateZone src: %v", err)
	}
	if _, err := m.CreateZone("dst", "plain"); err != nil {
		t.Fatalf("CreateZone dst: %v", err)
	}

	m.mu.Lock()
	m.zones["src"].PermittedSendPatterns = []string{`^/tmp/.*\.txt$`}
	m.zones["dst"].PermittedRecvPatterns = []string{`^/tmp/.*\.txt$`}
	srcRoot, dstRoot := m.zones["src"].RootPath, m.zones["dst"].RootPath
	m.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(srcRoot, "tmp"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dstRoot, "tmp"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "tmp", "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := m.FileMoveRequest("src", "dst", "/tmp/a.txt")
	if err != nil {
		t.Fatalf("FileMoveRequest: %v", err)
	}
	if res.Status != api.FileMoveSucceeded {
		t.Fatalf("status = %s, want %s", res.Status, api.FileMoveSucceeded)
	}
	if _, err := os.Stat(filepath.Join(dstRoot, "tmp", "a.txt")); err != nil {
		t.Fatalf("moved file not found at destination: %v", err)
	}

	_, err = m.FileMoveRequest("src", "dst", "/etc/shadow")
	if err == nil {
		t.Fatal("expected move of a non-permitted path to be denied")
	}
}

func TestDeclareGetRemoveDeclaration(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{{Name: "plain"}})
	if _, err := m.CreateZone("z1", "plain"); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}

	declID, err := m.DeclareFile("z1", "/etc/hostname", "", []byte("z1\n"), 0644)
	if err != nil {
		t.Fatalf("DeclareFile: %v", err)
	}

	decls, err := m.GetDeclarations("z1")
	if err != nil {
		t.Fatalf("GetDeclarations: %v", err)
	}
	if len(decls) != 1 || decls[0].DeclID != declID {
		t.Fatalf("GetDeclarations = %+v, want one entry with id %s", decls, declID)
	}

	if err := m.RemoveDeclaration("z1", declID); err != nil {
		t.Fatalf("RemoveDeclaration: %v", err)
	}
	decls, err = m.GetDeclarations("z1")
	if err != nil {
		t.Fatalf("GetDeclarations after remove: %v", err)
	}
	if len(decls) != 0 {
		t.Fatalf("GetDeclarations after remove = %+v, want empty", decls)
	}
}
