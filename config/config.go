// Package config loads the supervisor's static YAML configuration and
// renders the literal ~NAME~/~IP~/~VT~ placeholders zone config templates
// use, the way the original's static zone config files are rendered before
// being parsed. The substitution is intentionally a fixed three-token
// replace, never generalized into a templating engine: the set of tokens
// is closed and unlikely to grow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banksean/zoned/zone"
)

// Static is the supervisor's top-level YAML configuration file.
type Static struct {
	RunPath        string               `yaml:"runPath"`
	WorkPath       string               `yaml:"workPath"`
	DatabasePath   string               `yaml:"databasePath"`
	ControlSocket  string               `yaml:"controlSocket"`
	HealthAddr     string               `yaml:"healthAddr"`
	ZoneTemplates  []ZoneTemplate       `yaml:"zoneTemplates"`
	ProxyCallRules []zone.ProxyCallRule `yaml:"proxyCallRules"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`

	// SSHDomain, if non-empty, enables per-zone SSH host key provisioning
	// (see sshprov); zones become reachable at <zone-id>.<SSHDomain>
	// without a trust-on-first-use prompt. Empty disables it.
	SSHDomain string `yaml:"sshDomain"`
}

// TemplatesDir, ZoneConfigDir and ZonesPath are the manager's three
// RunPath-relative working directories: raw templates, rendered per-zone
// configs, and zone rootfs trees, respectively.
func (s *Static) TemplatesDir() string  { return filepath.Join(s.RunPath, "templates") }
func (s *Static) ZoneConfigDir() string { return filepath.Join(s.RunPath, "zones.d") }
func (s *Static) ZonesPath() string     { return filepath.Join(s.RunPath, "rootfs") }

// TelemetryConfig is the YAML shape of telemetry.Config.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"serviceName"`
}

// ZoneTemplate is one named zone declared in the static config, with
// ~NAME~/~IP~/~VT~ placeholders still unexpanded.
type ZoneTemplate struct {
	Name          string   `yaml:"name"`
	RootPath      string   `yaml:"rootPath"`
	TemplateImage string   `yaml:"templateImage"`
	InitArgv      []string `yaml:"initArgv"`
	Namespaces    []string `yaml:"namespaces"`
	TerminalCount int      `yaml:"terminalCount"`
	Priority      int      `yaml:"priority"`
}

// Load reads and parses a static config file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s Static
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &s, nil
}

var nsByName = map[string]zone.Namespace{
	"user": zone.NSUser,
	"mnt":  zone.NSMount,
	"pid":  zone.NSPID,
	"uts":  zone.NSUTS,
	"ipc":  zone.NSIPC,
	"net":  zone.NSNet,
}

// NamespaceMask translates a template's namespace name list into a Mask.
func NamespaceMask(names []string) (zone.Mask, error) {
	var m zone.Mask
	for _, n := range names {
		bit, ok := nsByName[n]
		if !ok {
			return 0, fmt.Errorf("config: unknown namespace %q", n)
		}
		m |= zone.Mask(bit)
	}
	return m, nil
}

// Render expands the ~NAME~, ~IP~, and ~VT~ placeholders in s using the
// given zone name, third IPv4 octet, and VT number.
func Render(s string, name string, ipThirdOctet, vt int) string {
	r := strings.NewReplacer(
		"~NAME~", name,
		"~IP~", strconv.Itoa(ipThirdOctet),
		"~VT~", strconv.Itoa(vt),
	)
	return r.Replace(s)
}
