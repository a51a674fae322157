// Package config implements the configuration manager: typed settings for the
// debugger connection, AI providers, logging, and security, loaded from YAML
// or JSON files with dotted-path access to the raw document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"
)

// APIConfig holds per-provider AI service settings.
type APIConfig struct {
	Provider  string `yaml:"provider" json:"provider"`
	Model     string `yaml:"model" json:"model"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// DebugConfig holds debugger connection settings.
type DebugConfig struct {
	DebuggerPath        string   `yaml:"debugger_path" json:"debugger_path"`
	ConnectionMode      string   `yaml:"connection_mode" json:"connection_mode"`
	TCPEndpoint         string   `yaml:"tcp_endpoint" json:"tcp_endpoint"`
	ConnectionTimeoutMS int      `yaml:"connection_timeout_ms" json:"connection_timeout_ms"`
	AutoConnect         bool     `yaml:"auto_connect" json:"auto_connect"`
	StartupCommands     []string `yaml:"startup_commands" json:"startup_commands"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level         string `yaml:"level" json:"level"`
	FilePath      string `yaml:"file_path" json:"file_path"`
	ConsoleOutput bool   `yaml:"console_output" json:"console_output"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" json:"max_file_size_mb"`
}

// SecurityConfig holds credential store settings.
type SecurityConfig struct {
	CredentialStorePath string `yaml:"credential_store_path" json:"credential_store_path"`
	RequireValidation   bool   `yaml:"require_api_key_validation" json:"require_api_key_validation"`
}

// Config is the full configuration tree.
type Config struct {
	Providers       map[string]APIConfig `yaml:"llm_providers" json:"llm_providers"`
	DefaultProvider string               `yaml:"default_provider" json:"default_provider"`
	Debug           DebugConfig          `yaml:"debug_config" json:"debug_config"`
	Log             LogConfig            `yaml:"log_config" json:"log_config"`
	Security        SecurityConfig       `yaml:"security_config" json:"security_config"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Providers: map[string]APIConfig{
			"claude": {
				Provider:  "claude",
				Model:     "claude-3-sonnet-20240229",
				BaseURL:   "https://api.anthropic.com",
				TimeoutMS: 30000,
			},
			"openai": {
				Provider:  "openai",
				Model:     "gpt-4o-mini",
				BaseURL:   "https://api.openai.com/v1",
				TimeoutMS: 30000,
			},
			"gemini": {
				Provider:  "gemini",
				Model:     "gemini-1.5-flash",
				TimeoutMS: 30000,
			},
		},
		DefaultProvider: "claude",
		Debug: DebugConfig{
			ConnectionMode:      "pipe",
			ConnectionTimeoutMS: 5000,
			AutoConnect:         true,
		},
		Log: LogConfig{
			Level:         "INFO",
			FilePath:      "mcp_debugger.log",
			ConsoleOutput: true,
			MaxFileSizeMB: 10,
		},
		Security: SecurityConfig{
			RequireValidation: true,
		},
	}
}

// Manager owns the loaded configuration. All access is mutex-guarded; the
// raw document is kept as JSON so keys the typed struct does not model still
// survive a load, SetValue, save round trip.
type Manager struct {
	mu   sync.Mutex
	cfg  Config
	doc  []byte
	path string
}

// DefaultPath returns the user-level config file location, or "" when no
// config file exists there.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{".mcpdbg.yaml", ".mcpdbg.yml", ".mcpdbg.json"} {
		path := filepath.Join(home, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// NewManager creates a Manager holding the defaults.
func NewManager() (*Manager, error) {
	m := &Manager{cfg: Default()}

	doc, err := json.Marshal(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	m.doc = doc

	return m, nil
}

// Load reads a YAML or JSON configuration file, replacing current settings.
// Fields absent from the file keep their defaults.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	doc := data
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		doc, err = yamlToJSON(data)
		if err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.doc = doc
	m.path = path
	return nil
}

// Save writes the raw document as indented JSON.
func (m *Manager) Save(path string) error {
	m.mu.Lock()
	doc := make([]byte, len(m.doc))
	copy(doc, m.doc)
	m.mu.Unlock()

	var buf json.RawMessage = doc
	indented, err := json.MarshalIndent(buf, "", "    ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	indented = append(indented, '\n')

	if err := os.WriteFile(path, indented, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Path returns the file the configuration was loaded from, if any.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Get returns a copy of the typed configuration.
func (m *Manager) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Provider returns the named provider settings, or the default provider's
// when name is empty.
func (m *Manager) Provider(name string) (APIConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		name = m.cfg.DefaultProvider
	}
	api, ok := m.cfg.Providers[name]
	if !ok {
		return APIConfig{}, fmt.Errorf("unknown provider %q", name)
	}
	return api, nil
}

// GetValue fetches a raw value by dotted path, such as
// "debug_config.connection_timeout_ms".
func (m *Manager) GetValue(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := gjson.GetBytes(m.doc, key)
	if !result.Exists() {
		return "", fmt.Errorf("config key %q not found", key)
	}
	return result.String(), nil
}

// SetValue stores a value at a dotted path and refreshes the typed view.
func (m *Manager) SetValue(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc []byte
	var err error
	if isJSONLiteral(value) {
		doc, err = sjson.SetRawBytes(m.doc, key, []byte(value))
	} else {
		doc, err = sjson.SetBytes(m.doc, key, value)
	}
	if err != nil {
		return fmt.Errorf("set config key %q: %w", key, err)
	}

	cfg := Default()
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return fmt.Errorf("apply config key %q: %w", key, err)
	}

	m.doc = doc
	m.cfg = cfg
	return nil
}

// isJSONLiteral reports whether value is a bare JSON number, boolean, or
// null. Such values are stored with their native type; everything else is
// stored as a string.
func isJSONLiteral(value string) bool {
	switch value {
	case "true", "false", "null":
		return true
	}
	var n json.Number
	dec := json.NewDecoder(strings.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return false
	}
	return !dec.More()
}

func yamlToJSON(data []byte) ([]byte, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}
