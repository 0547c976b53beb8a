package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider      = "ollama"
	DefaultOllamaBaseURL = "http://127.0.0.1:11434"
	DefaultNIMBaseURL    = "http://nim:8000/v1"
	DefaultVLLMBaseURL   = "http://vllm:8000/v1"
	DefaultModel         = "deepseek-r1:8b"
	DefaultTimeout       = 120 * time.Second
	DefaultEnginesDir    = "/engines"
	DefaultPort          = 8080
)

// Config is the process-wide gateway configuration. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Server       ServerConfig   `yaml:"server"`
	Provider     string         `yaml:"provider"`
	APIKey       string         `yaml:"api_key"`
	DefaultModel string         `yaml:"default_model"`
	Timeout      Duration       `yaml:"timeout"`
	EnginesDir   string         `yaml:"engines_dir"`
	Backends     BackendsConfig `yaml:"backends"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// BackendsConfig catalogues the upstream backends the gateway can front.
type BackendsConfig struct {
	Ollama BackendConfig `yaml:"ollama"`
	NIM    BackendConfig `yaml:"nim"`
	VLLM   BackendConfig `yaml:"vllm"`
}

// BackendConfig captures addressing and optional credentials for a backend.
type BackendConfig struct {
	BaseURL string  `yaml:"base_url"`
	APIKey  string  `yaml:"api_key"`
	Headers Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a backend request.
type Headers map[string]string

// Duration accepts either a Go duration string ("90s") or a number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseTimeout(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LookupFunc resolves environment variables; os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the optional YAML file at path, overlays environment variables
// resolved through lookup, applies defaults and validates the result.
func Load(path string, lookup LookupFunc) (Config, error) {
	var cfg Config

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	strVars := map[string]*string{
		"API_KEY":         &c.APIKey,
		"LLM_PROVIDER":    &c.Provider,
		"DEFAULT_MODEL":   &c.DefaultModel,
		"ENGINES_DIR":     &c.EnginesDir,
		"OLLAMA_BASE_URL": &c.Backends.Ollama.BaseURL,
		"NIM_BASE_URL":    &c.Backends.NIM.BaseURL,
		"VLLM_BASE_URL":   &c.Backends.VLLM.BaseURL,
		"NIM_API_KEY":     &c.Backends.NIM.APIKey,
		"VLLM_API_KEY":    &c.Backends.VLLM.APIKey,
	}
	// Empty values leave the file setting in place, so a compose file passing
	// through an unset ${API_KEY} cannot switch auth off.
	for key, target := range strVars {
		if val, ok := lookup(key); ok && strings.TrimSpace(val) != "" {
			*target = val
		}
	}

	if val, ok := lookup("LLM_TIMEOUT"); ok && strings.TrimSpace(val) != "" {
		timeout, err := parseTimeout(val)
		if err != nil {
			return fmt.Errorf("LLM_TIMEOUT: %w", err)
		}
		c.Timeout = Duration(timeout)
	}

	if val, ok := lookup("PORT"); ok && strings.TrimSpace(val) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("PORT: %q is not a number", val)
		}
		c.Server.Port = port
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if strings.TrimSpace(c.Provider) == "" {
		c.Provider = DefaultProvider
	}
	if c.DefaultModel == "" {
		c.DefaultModel = DefaultModel
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(DefaultTimeout)
	}
	if c.EnginesDir == "" {
		c.EnginesDir = DefaultEnginesDir
	}
	if c.Backends.Ollama.BaseURL == "" {
		c.Backends.Ollama.BaseURL = DefaultOllamaBaseURL
	}
	if c.Backends.NIM.BaseURL == "" {
		c.Backends.NIM.BaseURL = DefaultNIMBaseURL
	}
	if c.Backends.VLLM.BaseURL == "" {
		c.Backends.VLLM.BaseURL = DefaultVLLMBaseURL
	}
}

func (c *Config) normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Backends.Ollama.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backends.Ollama.BaseURL), "/")
	c.Backends.NIM.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backends.NIM.BaseURL), "/")
	c.Backends.VLLM.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backends.VLLM.BaseURL), "/")
}

// AuthEnabled reports whether inbound requests must carry the bearer token.
func (c Config) AuthEnabled() bool {
	return c.APIKey != ""
}

// Validate performs sanity checks on the configuration. The provider name is
// deliberately not checked here; an unknown provider is reported per request.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout.Std())
	}

	backends := map[string]BackendConfig{
		"ollama": c.Backends.Ollama,
		"nim":    c.Backends.NIM,
		"vllm":   c.Backends.VLLM,
	}
	for name, backend := range backends {
		if err := validateBackend(name, backend); err != nil {
			return err
		}
	}

	return nil
}

func validateBackend(name string, backend BackendConfig) error {
	u, err := url.Parse(backend.BaseURL)
	if err != nil {
		return fmt.Errorf("backend %s: base_url %q: %w", name, backend.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend %s: base_url %q must be an absolute http(s) URL", name, backend.BaseURL)
	}

	for headerKey := range backend.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("backend %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: expected seconds or a duration like 90s", raw)
	}
	return d, nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
