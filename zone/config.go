package zone

// LoggerConfig tells the guard how to reinitialize its slog.Logger after it
// loses the supervisor's inherited file descriptors. Backend is one of
// "json-file", "discard"; Arg is backend-specific (a file path for
// json-file).
type LoggerConfig struct {
	Backend string `json:"backend"`
	Level   string `json:"level"`
	Arg     string `json:"arg"`
}

// PTYConfig describes the terminal(s) a zone is started with.
type PTYConfig struct {
	Count int `json:"count"`
}

// ContainerConfig is the typed snapshot the supervisor serializes to the
// guard across the SetConfig handshake: everything the guard needs to
// perform the clone/pivot-root/exec dance without consulting the
// supervisor again.
type ContainerConfig struct {
	ID           string       `json:"id"`
	RootPath     string       `json:"rootPath"`
	TemplateName string       `json:"templateName"`
	InitArgv     []string     `json:"initArgv"`
	Namespaces   Mask         `json:"namespaces"`
	UIDMap       []IDMapEntry `json:"uidMap"`
	GIDMap       []IDMapEntry `json:"gidMap"`

	Logger LoggerConfig `json:"logger"`
	PTY    PTYConfig    `json:"pty"`

	// WorkPath is the host-side staging directory holding the
	// pre-prepared <name>.dev and <name>.devpts trees.
	WorkPath string `json:"workPath"`

	Declarations []Declaration `json:"declarations"`
}

// FromZone builds the wire snapshot handed to a guard at start time.
func FromZone(z *Zone, workPath string, logger LoggerConfig, decls []Declaration) *ContainerConfig {
	return &ContainerConfig{
		ID:           z.ID,
		RootPath:     z.RootPath,
		TemplateName: z.TemplateName,
		InitArgv:     append([]string(nil), z.InitArgv...),
		Namespaces:   z.Namespaces,
		UIDMap:       append([]IDMapEntry(nil), z.UIDMap...),
		GIDMap:       append([]IDMapEntry(nil), z.GIDMap...),
		Logger:       logger,
		PTY:          PTYConfig{Count: z.TerminalCount},
		WorkPath:     workPath,
		Declarations: decls,
	}
}

// DeclarationKind is the kind of thing a Declaration provisions.
type DeclarationKind int

const (
	DeclFile DeclarationKind = iota
	DeclMount
	DeclLink
)

func (k DeclarationKind) String() string {
	switch k {
	case DeclFile:
		return "file"
	case DeclMount:
		return "mount"
	case DeclLink:
		return "link"
	default:
		return "unknown"
	}
}

// Declaration is a persistent request to provision a file, mount, or link
// inside a zone's rootfs. It is replayed by the guard's init bootstrap on
// every start.
type Declaration struct {
	ID   string          `json:"id"`
	Kind DeclarationKind `json:"kind"`

	// Path is the in-zone destination for all three kinds.
	Path string `json:"path"`

	// File: Source is a host path to copy; Contents is used when Source
	// is empty. Mode is the resulting file mode.
	Source   string `json:"source,omitempty"`
	Contents []byte `json:"contents,omitempty"`
	Mode     uint32 `json:"mode,omitempty"`

	// Mount: Type/Flags/Data mirror the mount(2) arguments; Source is the
	// device/bind source.
	Type  string `json:"type,omitempty"`
	Flags uint64 `json:"flags,omitempty"`
	Data  string `json:"data,omitempty"`

	// Link: Target is what Path should point to.
	Target string `json:"target,omitempty"`
}

// ProxyCallRule is a 6-tuple governing whether a ProxyCall is forwarded.
// The literal token "*" matches any value in a field.
type ProxyCallRule struct {
	Caller     string `json:"caller"`
	Target     string `json:"target"`
	BusName    string `json:"busName"`
	ObjectPath string `json:"objectPath"`
	Interface  string `json:"interface"`
	Method     string `json:"method"`
}

// DynamicConfig is the persisted subset of manager state: the ordered list
// of per-zone config paths, in creation order, and the default zone id.
type DynamicConfig struct {
	ZoneConfigPaths []string `json:"zoneConfigPaths"`
	DefaultZoneID   string   `json:"defaultZoneId"`
}
