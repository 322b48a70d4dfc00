// Package config resolves, parses, validates, and defaults escriba
// configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the fully materialized runtime configuration.
type Config struct {
	Speech     SpeechConfig     `json:"speech"`
	Audio      AudioConfig      `json:"audio"`
	Gateway    GatewayConfig    `json:"gateway"`
	Notify     NotifyConfig     `json:"notify"`
	Visibility VisibilityConfig `json:"visibility"`
	Operator   OperatorConfig   `json:"operator"`
}

// SpeechConfig controls the streaming recognition service connection.
type SpeechConfig struct {
	Endpoint    string `json:"endpoint"`
	APIKey      string `json:"-"`
	Language    string `json:"language"`
	Model       string `json:"model"`
	MaxRestarts int    `json:"max_restarts"`
}

// AudioConfig controls capture input selection.
type AudioConfig struct {
	Input string `json:"input"`
}

// GatewayConfig controls the persistence gateway client and write cadence.
type GatewayConfig struct {
	BaseURL              string `json:"base_url"`
	AuthToken            string `json:"-"`
	AutosaveIntervalSecs int    `json:"autosave_interval_secs"`
	AutosaveAttempts     int    `json:"autosave_attempts"`
	UpdateAttempts       int    `json:"update_attempts"`
	FinalSaveAttempts    int    `json:"final_save_attempts"`
	RetryBaseMS          int    `json:"retry_base_ms"`
	RetryMaxMS           int    `json:"retry_max_ms"`
}

// NotifyConfig controls the operator notification surface.
type NotifyConfig struct {
	Enable         bool   `json:"enable"`
	Backend        string `json:"backend"`
	DesktopAppName string `json:"desktop_app_name"`
}

// VisibilityConfig controls foreground/background edge debouncing.
type VisibilityConfig struct {
	DebounceMS int `json:"debounce_ms"`
}

// OperatorConfig identifies the current user for session records.
type OperatorConfig struct {
	UserID string `json:"user_id"`
}

// Loaded bundles the effective config with its provenance.
type Loaded struct {
	Config   Config
	Path     string
	Warnings []string
}

// Default returns the canonical runtime configuration used when no file is
// present.
func Default() Config {
	return Config{
		Speech: SpeechConfig{
			Endpoint:    "http://127.0.0.1:9090",
			Language:    "pt-BR",
			MaxRestarts: 5,
		},
		Audio: AudioConfig{Input: "default"},
		Gateway: GatewayConfig{
			BaseURL:              "http://127.0.0.1:8080/api",
			AutosaveIntervalSecs: 30,
			AutosaveAttempts:     1,
			UpdateAttempts:       2,
			FinalSaveAttempts:    5,
			RetryBaseMS:          250,
			RetryMaxMS:           5000,
		},
		Notify: NotifyConfig{
			Enable:         true,
			Backend:        "desktop",
			DesktopAppName: "escriba",
		},
		Visibility: VisibilityConfig{DebounceMS: 150},
		Operator:   OperatorConfig{},
	}
}

// Load reads the config file at path (or the default location when empty),
// overlays environment secrets, and validates the result. A missing file is
// not an error; defaults apply.
func Load(path string) (Loaded, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Loaded{}, err
	}

	cfg := Default()
	loaded := Loaded{Path: resolved}

	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if path != "" {
			return Loaded{}, fmt.Errorf("config file %q does not exist", path)
		}
		loaded.Path = ""
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", resolved, err)
	default:
		decoder := json.NewDecoder(strings.NewReader(string(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolved, err)
		}
	}

	applyEnv(&cfg)

	warnings, err := Validate(cfg)
	if err != nil {
		return Loaded{}, err
	}
	loaded.Config = cfg
	loaded.Warnings = warnings
	return loaded, nil
}

// applyEnv overlays secret material that must not live in the config file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ESCRIBA_SPEECH_API_KEY")); v != "" {
		cfg.Speech.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCRIBA_GATEWAY_TOKEN")); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCRIBA_OPERATOR_ID")); v != "" {
		cfg.Operator.UserID = v
	}
}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]string, error) {
	warnings := []string{}

	if strings.TrimSpace(cfg.Speech.Endpoint) == "" {
		return nil, fmt.Errorf("speech.endpoint must not be empty")
	}
	if strings.TrimSpace(cfg.Speech.Language) == "" {
		return nil, fmt.Errorf("speech.language must not be empty")
	}
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return nil, fmt.Errorf("gateway.base_url must not be empty")
	}
	if cfg.Gateway.AutosaveIntervalSecs <= 0 {
		return nil, fmt.Errorf("gateway.autosave_interval_secs must be > 0")
	}
	if cfg.Gateway.FinalSaveAttempts <= 0 {
		return nil, fmt.Errorf("gateway.final_save_attempts must be > 0")
	}
	if cfg.Gateway.RetryBaseMS < 0 || cfg.Gateway.RetryMaxMS < 0 {
		return nil, fmt.Errorf("gateway retry delays must be >= 0")
	}
	if cfg.Visibility.DebounceMS < 0 {
		return nil, fmt.Errorf("visibility.debounce_ms must be >= 0")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Notify.Backend))
	if cfg.Notify.Enable {
		if backend != "desktop" && backend != "log" {
			return nil, fmt.Errorf("notify.backend must be one of: desktop, log")
		}
		if backend == "desktop" && strings.TrimSpace(cfg.Notify.DesktopAppName) == "" {
			return nil, fmt.Errorf("notify.desktop_app_name must not be empty when notify.backend=desktop")
		}
	}

	if cfg.Gateway.AutosaveIntervalSecs < 5 {
		warnings = append(warnings, "gateway.autosave_interval_secs below 5s generates heavy write volume")
	}
	if cfg.Speech.APIKey == "" {
		warnings = append(warnings, "ESCRIBA_SPEECH_API_KEY is not set; the recognition service may reject the stream")
	}

	return warnings, nil
}

// AutosaveInterval returns the configured autosave cadence as a duration.
func (g GatewayConfig) AutosaveInterval() time.Duration {
	return time.Duration(g.AutosaveIntervalSecs) * time.Second
}

// resolvePath selects the explicit path or the XDG config location.
func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return path, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "escriba", "config.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for config: %w", err)
	}
	return filepath.Join(home, ".config", "escriba", "config.json"), nil
}
