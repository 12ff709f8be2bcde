package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// DefaultServerName is the key the engine registers under.
const DefaultServerName = "sbs-integration-engine"

// ServerEntry launches one MCP server from a desktop agent client.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ClientConfig is a desktop agent configuration file. Keys other than
// mcpServers are preserved on save.
type ClientConfig struct {
	Servers map[string]ServerEntry
	other   map[string]json.RawMessage
}

// DefaultClientConfigPath returns the desktop agent configuration file for
// the current platform.
func DefaultClientConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), nil
	case "linux":
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, "Claude", "claude_desktop_config.json"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "Claude", "claude_desktop_config.json"), nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// LoadClientConfig reads a client configuration. A missing file yields an
// empty configuration.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		Servers: make(map[string]ServerEntry),
		other:   make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg.other); err != nil {
		return nil, fmt.Errorf("failed to parse client config %s: %w", path, err)
	}
	if raw, ok := cfg.other["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &cfg.Servers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers in %s: %w", path, err)
		}
		delete(cfg.other, "mcpServers")
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerEntry)
	}
	return cfg, nil
}

// Save writes the configuration, creating its directory.
func (c *ClientConfig) Save(path string) error {
	out := make(map[string]any, len(c.other)+1)
	for k, v := range c.other {
		out[k] = v
	}
	out["mcpServers"] = c.Servers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write client config: %w", err)
	}
	return nil
}

// ServerNames returns the registered server names in order.
func (c *ClientConfig) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EntryFor builds the entry that runs `<binary> mcp`, optionally with a
// configuration file.
func EntryFor(binary, configFile string, env map[string]string) ServerEntry {
	entry := ServerEntry{Command: binary, Args: []string{"mcp"}}
	if configFile != "" {
		entry.Args = append(entry.Args, "--config", configFile)
	}
	if len(env) > 0 {
		entry.Env = env
	}
	return entry
}

// Register adds or replaces a server entry in the client configuration at
// path.
func Register(path, name string, entry ServerEntry) error {
	if entry.Command == "" {
		return fmt.Errorf("server command is required")
	}
	if !filepath.IsAbs(entry.Command) {
		abs, err := filepath.Abs(entry.Command)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", entry.Command, err)
		}
		entry.Command = abs
	}

	cfg, err := LoadClientConfig(path)
	if err != nil {
		return err
	}
	cfg.Servers[name] = entry
	return cfg.Save(path)
}

// Unregister removes a server entry. It reports whether the entry existed.
func Unregister(path, name string) (bool, error) {
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return false, err
	}
	if _, ok := cfg.Servers[name]; !ok {
		return false, nil
	}
	delete(cfg.Servers, name)
	return true, cfg.Save(path)
}
