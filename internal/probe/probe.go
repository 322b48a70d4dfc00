// Package probe runs runtime capability diagnostics: speech service
// reachability, microphone presence, and permission state.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/escriba-app/escriba/internal/capture"
	"github.com/escriba-app/escriba/internal/config"
)

// Check is one probe assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full probe output contract.
type Report struct {
	Checks     []Check
	Permission capture.PermissionState
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	b.WriteString(fmt.Sprintf("microphone permission: %s", r.Permission))
	return b.String()
}

// Run executes environment and capability checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	configMessage := "defaults (no config file)"
	if cfg.Path != "" {
		configMessage = fmt.Sprintf("loaded %q", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: configMessage})

	checks = append(checks, checkSpeechEndpoint(ctx, cfg.Config.Speech.Endpoint))
	checks = append(checks, checkAudioDevice(ctx, cfg.Config.Audio.Input))
	checks = append(checks, checkGateway(cfg.Config.Gateway.BaseURL))

	return Report{
		Checks:     checks,
		Permission: capture.Permission(ctx),
	}
}

// checkSpeechEndpoint probes the recognition service health endpoint.
func checkSpeechEndpoint(ctx context.Context, endpoint string) Check {
	base := strings.TrimSpace(endpoint)
	if base == "" {
		return Check{Name: "speech.endpoint", Pass: false, Message: "speech.endpoint is empty"}
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := strings.TrimRight(base, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Check{Name: "speech.endpoint", Pass: false, Message: fmt.Sprintf("invalid endpoint: %v", err)}
	}

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Check{Name: "speech.endpoint", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 256))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Check{Name: "speech.endpoint", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
	}
	return Check{Name: "speech.endpoint", Pass: true, Message: fmt.Sprintf("ready at %s", url)}
}

// checkAudioDevice runs live device resolution to surface selection issues.
func checkAudioDevice(ctx context.Context, input string) Check {
	device, err := capture.ResolveDevice(ctx, input)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	return Check{Name: "audio.device", Pass: true, Message: fmt.Sprintf("selected %q", device.ID)}
}

// checkGateway validates gateway configuration shape without writing data.
func checkGateway(baseURL string) Check {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return Check{Name: "gateway.base_url", Pass: false, Message: "gateway.base_url is empty"}
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return Check{Name: "gateway.base_url", Pass: false, Message: "gateway.base_url must be an http(s) URL"}
	}
	return Check{Name: "gateway.base_url", Pass: true, Message: base}
}
