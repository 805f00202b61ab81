package manager

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banksean/zoned/config"
	"github.com/banksean/zoned/provision"
	"github.com/banksean/zoned/store"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// renderedZoneConfig is the parsed shape of a rendered per-zone config
// file: a config.ZoneTemplate plus the fields the render step fixes
// (namespaces as strings, same as the static template) and the identity
// and addressing fields CreateZone assigns.
type renderedZoneConfig struct {
	config.ZoneTemplate `yaml:",inline"`

	ID           string `yaml:"id"`
	IPThirdOctet int    `yaml:"ipThirdOctet"`
	VT           int    `yaml:"vt"`
}

func loadZoneConfig(path string) (*zone.Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rc renderedZoneConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return zoneFromRendered(&rc)
}

func zoneFromRendered(rc *renderedZoneConfig) (*zone.Zone, error) {
	mask, err := config.NamespaceMask(rc.Namespaces)
	if err != nil {
		return nil, err
	}
	z := &zone.Zone{
		ID:            rc.ID,
		RootPath:      rc.RootPath,
		TemplateName:  rc.Name,
		InitArgv:      rc.InitArgv,
		Namespaces:    mask,
		TerminalCount: rc.TerminalCount,
		Priority:      rc.Priority,
		IPThirdOctet:  rc.IPThirdOctet,
		VT:            rc.VT,
		State:         zone.Stopped,
	}
	if z.TerminalCount <= 0 {
		z.TerminalCount = 1
	}
	if mask.Has(zone.NSUser) {
		z.UIDMap, z.GIDMap = defaultIDMap(rc.IPThirdOctet)
	}
	return z, nil
}

// defaultIDMap assigns each zone a disjoint 65536-wide uid/gid range, keyed
// off the same monotonic third-octet counter CreateZone uses for
// addressing, so no two zones' user namespaces ever overlap on the host.
// subuidBase is chosen well above the host's own uid range.
const subuidBase = 100000

func defaultIDMap(ipThirdOctet int) ([]zone.IDMapEntry, []zone.IDMapEntry) {
	base := subuidBase + ipThirdOctet*65536
	entry := []zone.IDMapEntry{{ContainerID: 0, HostID: base, Length: 65536}}
	return entry, append([]zone.IDMapEntry(nil), entry...)
}

// findTemplate locates a named template in the static config.
func (m *Manager) findTemplate(name string) (*config.ZoneTemplate, error) {
	for i := range m.static.ZoneTemplates {
		if m.static.ZoneTemplates[i].Name == name {
			return &m.static.ZoneTemplates[i], nil
		}
	}
	return nil, zerr.New(zerr.Internal, "no such zone template %q", name)
}

// CreateZone renders templateName's config for a new zone named id,
// optionally fetches its rootfs image through a privileged helper process,
// persists the rendered config and the updated DynamicConfig, and adds the
// zone to the registry. If id is "", a human-readable id is generated
// (a quality-of-life addition; spec.md always requires an explicit id from
// the caller, see SPEC_FULL.md §3).
func (m *Manager) CreateZone(id, templateName string) (string, error) {
	m.mu.Lock()
	if id == "" {
		id = m.namegen.Generate()
	}
	if id == zone.ReservedID {
		m.mu.Unlock()
		return "", zerr.New(zerr.InvalidId, "zone id %q is reserved", zone.ReservedID)
	}
	if _, exists := m.zones[id]; exists {
		m.mu.Unlock()
		return "", zerr.New(zerr.InvalidId, "zone %q already exists", id)
	}
	tmpl, err := m.findTemplate(templateName)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	// Reserve this id's addressing slot before releasing the lock so a
	// concurrent CreateZone can't hand out the same ip/VT while the image
	// copy below (the slow part) is in flight.
	ipOctet := m.nextIPOctet
	vt := m.nextVT
	m.nextIPOctet++
	m.nextVT++
	m.zones[id] = &zone.Zone{ID: id, State: zone.Starting} // placeholder, replaced or removed below
	m.mu.Unlock()

	rollbackReservation := func() {
		m.mu.Lock()
		delete(m.zones, id)
		m.mu.Unlock()
	}

	rawPath := filepath.Join(m.templatesDir, templateName+".yaml")
	raw, err := os.ReadFile(rawPath)
	if err != nil {
		rollbackReservation()
		return "", zerr.Wrap(zerr.Internal, fmt.Errorf("read template %s: %w", rawPath, err))
	}

	rendered := config.Render(string(raw), id, ipOctet, vt)

	var rc renderedZoneConfig
	if err := yaml.Unmarshal([]byte(rendered), &rc); err != nil {
		rollbackReservation()
		return "", zerr.Wrap(zerr.Internal, fmt.Errorf("parse rendered template %s: %w", templateName, err))
	}
	rc.ID = id
	rc.IPThirdOctet = ipOctet
	rc.VT = vt

	rootPath := filepath.Join(m.zonesPath, id)
	rc.RootPath = rootPath

	if tmpl.TemplateImage != "" {
		if err := m.copyImageViaHelper(tmpl.TemplateImage, rootPath); err != nil {
			rollbackReservation()
			return "", zerr.Wrap(zerr.Internal, fmt.Errorf("create zone %s: %w", id, err))
		}
	} else if err := os.MkdirAll(rootPath, 0755); err != nil {
		rollbackReservation()
		return "", zerr.Wrap(zerr.Internal, fmt.Errorf("mkdir rootfs %s: %w", rootPath, err))
	}

	out, err := yaml.Marshal(&rc)
	if err != nil {
		m.unwindRootfs(rootPath)
		rollbackReservation()
		return "", zerr.Wrap(zerr.Internal, err)
	}
	configPath := filepath.Join(m.zoneConfigDir, id+".yaml")
	if err := store.SafeWriteFile(configPath, out, 0644); err != nil {
		m.unwindRootfs(rootPath)
		rollbackReservation()
		return "", zerr.Wrap(zerr.Internal, fmt.Errorf("write rendered config: %w", err))
	}

	z, err := zoneFromRendered(&rc)
	if err != nil {
		m.unwindRootfs(rootPath)
		os.Remove(configPath)
		rollbackReservation()
		return "", zerr.Wrap(zerr.Internal, err)
	}
	if err := z.Validate(); err != nil {
		m.unwindRootfs(rootPath)
		os.Remove(configPath)
		rollbackReservation()
		return "", zerr.New(zerr.InvalidId, "%v", err)
	}

	if m.sshProv != nil {
		if err := m.provisionSSHHostKey(z); err != nil {
			slog.Warn("manager: ssh host key provisioning failed, zone sshd will use TOFU", "zone", id, "error", err)
		}
	}

	m.mu.Lock()
	m.zones[id] = z
	m.order = append(m.order, id)
	paths := make([]string, 0, len(m.order))
	for _, oid := range m.order {
		paths = append(paths, filepath.Join(m.zoneConfigDir, oid+".yaml"))
	}
	dyn := &zone.DynamicConfig{ZoneConfigPaths: paths, DefaultZoneID: m.defaultID}
	m.mu.Unlock()

	if err := m.store.SaveDynamicConfig(dyn); err != nil {
		m.mu.Lock()
		delete(m.zones, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		m.unwindRootfs(rootPath)
		os.Remove(configPath)
		return "", zerr.Wrap(zerr.Internal, fmt.Errorf("persist dynamic config: %w", err))
	}

	slog.Info("manager: created zone", "id", id, "template", templateName, "ip_third_octet", ipOctet, "vt", vt)
	return id, nil
}

// provisionSSHHostKey issues a cert-backed host key for z via m.sshProv and
// writes it into z's rootfs under /etc/ssh, so the zone's in-guest sshd
// presents a certificate the host's known_hosts already trusts instead of
// prompting the first connecting user to accept it on faith.
func (m *Manager) provisionSSHHostKey(z *zone.Zone) error {
	keys, err := m.sshProv.NewZoneKeys(z.ID)
	if err != nil {
		return fmt.Errorf("issue host key: %w", err)
	}
	decls := []zone.Declaration{
		{Kind: zone.DeclFile, Path: "/etc/ssh/ssh_host_ed25519_key", Contents: keys.HostKey, Mode: 0600},
		{Kind: zone.DeclFile, Path: "/etc/ssh/ssh_host_ed25519_key.pub", Contents: keys.HostKeyPub, Mode: 0644},
		{Kind: zone.DeclFile, Path: "/etc/ssh/ssh_host_ed25519_key-cert.pub", Contents: keys.HostKeyCert, Mode: 0644},
		{Kind: zone.DeclFile, Path: "/etc/ssh/trusted_user_ca_keys.pub", Contents: keys.UserCAPub, Mode: 0644},
	}
	return provision.Apply(z.RootPath, decls)
}

func (m *Manager) unwindRootfs(rootPath string) {
	if err := os.RemoveAll(rootPath); err != nil {
		slog.Error("manager: unwind rootfs", "path", rootPath, "error", err)
	}
}

// PrivilegedCopyArg is the hidden argv[1] the supervisor binary dispatches
// to RunPrivilegedCopy instead of starting the supervisor, the same
// re-exec convention guard.BootstrapArg uses to avoid holding elevated
// capabilities in the long-lived supervisor process itself.
const PrivilegedCopyArg = "__zone-create-copy"

// copyImageViaHelper re-execs the running binary into RunPrivilegedCopy
// mode to extract templateRef into destDir, so the image-fetch/extract
// code (which may need CAP_MKNOD et al. via a setuid helper in a hardened
// deployment) runs in a short-lived child rather than in the supervisor.
func (m *Manager) copyImageViaHelper(templateRef, destDir string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}
	cmd := exec.Command(self, PrivilegedCopyArg, templateRef, destDir)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("privileged copy helper: %w", err)
	}
	return nil
}

// RunPrivilegedCopy is the entry point the supervisor binary's main
// dispatches to when re-exec'd with PrivilegedCopyArg.
func RunPrivilegedCopy(templateRef, destDir string) error {
	return provision.ResolveTemplate(templateRef, destDir)
}
