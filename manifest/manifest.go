// Package manifest handles netqasm.toml application configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/sdk"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "netqasm.toml"

// Backend kinds.
const (
	BackendDebug  = "debug"
	BackendRemote = "remote"
)

// ErrInvalid reports a configuration that parses but cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Manifest represents a netqasm.toml configuration.
type Manifest struct {
	App        App            `toml:"app"`
	Nodes      map[string]int `toml:"nodes"`
	EPRSockets []EPRSocket    `toml:"epr-sockets"`
	Backend    Backend        `toml:"backend"`
	Log        Log            `toml:"log"`

	// Dir is the directory containing the netqasm.toml file (set at load time).
	Dir string `toml:"-"`
}

// App describes the application.
type App struct {
	Name         string `toml:"name"`
	ID           uint32 `toml:"id"`
	Flavour      string `toml:"flavour"`
	MaxQubits    int    `toml:"max-qubits"`
	ExplicitFree bool   `toml:"explicit-free"`
}

// EPRSocket configures one entanglement socket.
type EPRSocket struct {
	ID         int    `toml:"id"`
	RemoteNode string `toml:"remote-node"`
	RemoteID   int    `toml:"remote-id"`
}

// Backend selects where messages go.
type Backend struct {
	Kind        string `toml:"kind"`
	Address     string `toml:"address"`
	Port        int    `toml:"port"`
	Database    string `toml:"database"`
	KeepRunning bool   `toml:"keep-running"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Load parses the netqasm.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes and validates configuration text and applies defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	// Defaults
	if m.App.Flavour == "" {
		m.App.Flavour = isa.Vanilla.Name()
	}
	if m.App.MaxQubits == 0 {
		m.App.MaxQubits = sdk.DefaultMaxQubits
	}
	if m.Backend.Kind == "" {
		m.Backend.Kind = BackendDebug
	}
	if m.Backend.Port == 0 {
		m.Backend.Port = 8080
	}
	if m.Nodes == nil {
		m.Nodes = make(map[string]int)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if _, err := isa.FlavourByName(m.App.Flavour); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if m.App.MaxQubits < 0 {
		return fmt.Errorf("%w: max-qubits %d", ErrInvalid, m.App.MaxQubits)
	}
	seen := make(map[int]bool)
	for _, s := range m.EPRSockets {
		if seen[s.ID] {
			return fmt.Errorf("%w: epr socket %d declared twice", ErrInvalid, s.ID)
		}
		seen[s.ID] = true
		if _, ok := m.Nodes[s.RemoteNode]; !ok {
			return fmt.Errorf("%w: epr socket %d names unknown node %q", ErrInvalid, s.ID, s.RemoteNode)
		}
	}
	switch m.Backend.Kind {
	case BackendDebug:
	case BackendRemote:
		if m.Backend.Address == "" {
			return fmt.Errorf("%w: remote backend needs an address", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend kind %q", ErrInvalid, m.Backend.Kind)
	}
	return nil
}

// FindAndLoad walks up from startDir to find a netqasm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Flavour returns the configured gate flavour.
func (m *Manifest) Flavour() *isa.Flavour {
	f, err := isa.FlavourByName(m.App.Flavour)
	if err != nil {
		return isa.Vanilla
	}
	return f
}

// DatabasePath returns the backend database path, resolved against Dir.
// It is empty when no database is configured.
func (m *Manifest) DatabasePath() string {
	if m.Backend.Database == "" || filepath.IsAbs(m.Backend.Database) {
		return m.Backend.Database
	}
	return filepath.Join(m.Dir, m.Backend.Database)
}

// LogFile returns the log file path, or nil to log to stderr.
func (m *Manifest) LogFile() *string {
	if m.Log.File == "" {
		return nil
	}
	path := m.Log.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Dir, path)
	}
	return &path
}

// SDKConfig converts the manifest into a connection configuration.
func (m *Manifest) SDKConfig() sdk.Config {
	cfg := sdk.Config{
		AppName:      m.App.Name,
		AppID:        m.App.ID,
		Flavour:      m.Flavour(),
		MaxQubits:    m.App.MaxQubits,
		ExplicitFree: m.App.ExplicitFree,
		NodeIDs:      make(map[string]int, len(m.Nodes)),
		KeepBackend:  m.Backend.KeepRunning,
	}
	for name, id := range m.Nodes {
		cfg.NodeIDs[name] = id
	}
	for _, s := range m.EPRSockets {
		cfg.Sockets = append(cfg.Sockets, &sdk.EPRSocket{
			ID:             s.ID,
			RemoteNodeName: s.RemoteNode,
			RemoteID:       s.RemoteID,
		})
	}
	return cfg
}
