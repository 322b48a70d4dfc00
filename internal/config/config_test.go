package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	warnings, err := Validate(Default())
	require.NoError(t, err)
	require.NotEmpty(t, warnings) // missing API key warns
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ESCRIBA_SPEECH_API_KEY", "")
	t.Setenv("ESCRIBA_GATEWAY_TOKEN", "")
	t.Setenv("ESCRIBA_OPERATOR_ID", "")

	loaded, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Speech.Endpoint, loaded.Config.Speech.Endpoint)
	require.Empty(t, loaded.Path)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"speech": {"endpoint": "https://stt.clinic.example", "language": "pt-BR", "model": "clinical", "max_restarts": 3},
		"gateway": {"base_url": "https://api.clinic.example", "autosave_interval_secs": 10, "autosave_attempts": 1, "update_attempts": 2, "final_save_attempts": 8, "retry_base_ms": 100, "retry_max_ms": 2000},
		"audio": {"input": "usb-mic"},
		"notify": {"enable": true, "backend": "log", "desktop_app_name": "escriba"},
		"visibility": {"debounce_ms": 200},
		"operator": {"user_id": "op-1"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("ESCRIBA_SPEECH_API_KEY", "sk-test")
	t.Setenv("ESCRIBA_GATEWAY_TOKEN", "gw-test")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://stt.clinic.example", loaded.Config.Speech.Endpoint)
	require.Equal(t, "clinical", loaded.Config.Speech.Model)
	require.Equal(t, "sk-test", loaded.Config.Speech.APIKey)
	require.Equal(t, "gw-test", loaded.Config.Gateway.AuthToken)
	require.Equal(t, "usb-mic", loaded.Config.Audio.Input)
	require.Equal(t, 8, loaded.Config.Gateway.FinalSaveAttempts)
	require.Equal(t, 10*time.Second, loaded.Config.Gateway.AutosaveInterval())
	require.Equal(t, "op-1", loaded.Config.Operator.UserID)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"spech": {}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty endpoint", func(c *Config) { c.Speech.Endpoint = "" }, "speech.endpoint"},
		{"empty language", func(c *Config) { c.Speech.Language = " " }, "speech.language"},
		{"empty gateway", func(c *Config) { c.Gateway.BaseURL = "" }, "gateway.base_url"},
		{"zero autosave", func(c *Config) { c.Gateway.AutosaveIntervalSecs = 0 }, "autosave_interval_secs"},
		{"zero final attempts", func(c *Config) { c.Gateway.FinalSaveAttempts = 0 }, "final_save_attempts"},
		{"negative debounce", func(c *Config) { c.Visibility.DebounceMS = -1 }, "debounce_ms"},
		{"bad notify backend", func(c *Config) { c.Notify.Backend = "toast" }, "notify.backend"},
		{
			"desktop without app name",
			func(c *Config) { c.Notify.Backend = "desktop"; c.Notify.DesktopAppName = "" },
			"desktop_app_name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			_, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateWarnsOnAggressiveAutosave(t *testing.T) {
	cfg := Default()
	cfg.Gateway.AutosaveIntervalSecs = 2
	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
}
