// Package capture handles microphone discovery, permission probing, and
// exclusive PCM capture for one recording session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	chunkSizeBytes = 640 // 20ms @ 16kHz mono s16
)

// PermissionState mirrors the platform microphone permission surface.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// Device describes one Pulse input source surfaced to the session shell.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// ListDevices returns available Pulse input sources with default/availability
// metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("escriba"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return devices, nil
}

// Permission derives the microphone permission state from the Pulse server.
// A reachable server with a usable input source is treated as granted; a
// reachable server with no usable source as prompt; an unreachable or
// access-refused server as denied.
func Permission(ctx context.Context) PermissionState {
	devices, err := ListDevices(ctx)
	if err != nil {
		return PermissionDenied
	}
	for _, device := range devices {
		if device.Available && !device.Muted {
			return PermissionGranted
		}
	}
	return PermissionPrompt
}

// ResolveDevice matches a configured device id against live sources. An empty
// or "default" id resolves to the server default source.
func ResolveDevice(ctx context.Context, deviceID string) (Device, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Device{}, err
	}
	return resolveFromList(devices, deviceID)
}

// resolveFromList applies device selection policy to a pre-fetched list.
func resolveFromList(devices []Device, deviceID string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, errors.New("no audio input devices found")
	}

	deviceID = strings.TrimSpace(strings.ToLower(deviceID))
	if deviceID == "" || deviceID == "default" {
		for _, device := range devices {
			if device.Default {
				return checkUsable(device)
			}
		}
		return Device{}, errors.New("default audio source is unavailable")
	}

	for _, device := range devices {
		if deviceMatches(device, deviceID) {
			return checkUsable(device)
		}
	}
	return Device{}, fmt.Errorf("audio device %q did not match any source", deviceID)
}

// checkUsable rejects sources that cannot actually deliver audio.
func checkUsable(device Device) (Device, error) {
	if !device.Available {
		return Device{}, fmt.Errorf("audio device %q is not available", device.ID)
	}
	if device.Muted {
		return Device{}, fmt.Errorf("audio device %q is muted", device.ID)
	}
	return device, nil
}

// deviceMatches reports whether a search term matches a device id or description.
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	id := strings.ToLower(device.ID)
	desc := strings.ToLower(device.Description)
	return strings.Contains(id, term) || strings.Contains(desc, term)
}

// Handle streams fixed-size PCM chunks from one selected Pulse source. It is
// the single exclusive hardware resource of a session: acquired by start,
// held across pause/resume, and released exactly once on every exit path.
type Handle struct {
	device Device

	client *pulse.Client
	stream *pulse.RecordStream

	chunks   chan []byte
	releaseC chan struct{}

	mu       sync.Mutex
	pending  []byte
	paused   bool
	released bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

// Acquire resolves the device and opens a 16kHz mono s16 record stream.
func Acquire(ctx context.Context, deviceID string) (*Handle, error) {
	device, err := ResolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName("escriba"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	source, err := client.SourceByID(device.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", device.ID, err)
	}

	handle := &Handle{
		device:   device,
		client:   client,
		chunks:   make(chan []byte, 128),
		releaseC: make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(handle.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(16000),
		pulse.RecordBufferFragmentSize(chunkSizeBytes),
		pulse.RecordMediaName("escriba consultation"),
	)
	if err != nil {
		_ = handle.Release()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	handle.stream = stream
	stream.Start()

	go func() {
		<-ctx.Done()
		_ = handle.Release()
	}()

	return handle, nil
}

// Device returns capture metadata for logging and diagnostics.
func (h *Handle) Device() Device {
	return h.device
}

// Chunks returns the PCM stream as fixed-size byte slices. The channel is
// closed by Release.
func (h *Handle) Chunks() <-chan []byte {
	return h.chunks
}

// BytesCaptured reports total bytes accepted from Pulse.
func (h *Handle) BytesCaptured() int64 {
	return h.bytes.Load()
}

// Pause stops the record stream without giving up the source.
func (h *Handle) Pause() {
	h.mu.Lock()
	if h.released || h.paused {
		h.mu.Unlock()
		return
	}
	h.paused = true
	stream := h.stream
	h.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
}

// Resume restarts a paused record stream on the held source.
func (h *Handle) Resume() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return errors.New("capture handle already released")
	}
	if !h.paused {
		h.mu.Unlock()
		return nil
	}
	stream := h.stream
	client := h.client
	device := h.device
	h.mu.Unlock()

	if stream == nil || client == nil {
		return errors.New("capture stream is not open")
	}

	// The source can disappear while paused; verify before restarting.
	if _, err := client.SourceByID(device.ID); err != nil {
		return fmt.Errorf("capture source %q is gone: %w", device.ID, err)
	}
	if stream.Closed() {
		return errors.New("capture stream is closed")
	}
	stream.Start()

	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	return nil
}

// Release halts the stream, flushes residual PCM, closes Chunks exactly once,
// and returns the source to the server. Safe to call on any exit path.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	close(h.releaseC)
	h.mu.Unlock()

	if h.stream != nil {
		h.stream.Stop()
		h.stream.Close()
	}
	if h.client != nil {
		h.client.Close()
	}

	h.inflight.Wait()

	h.mu.Lock()
	pending := append([]byte(nil), h.pending...)
	h.pending = nil
	h.mu.Unlock()

	if len(pending) > 0 {
		chunk := make([]byte, len(pending))
		copy(chunk, pending)
		select {
		case h.chunks <- chunk:
		default:
		}
	}

	close(h.chunks)
	return nil
}

// onPCM receives raw Pulse frames and emits chunkSizeBytes slices to h.chunks.
func (h *Handle) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-h.releaseC:
		return 0, io.EOF
	default:
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return 0, io.EOF
	}
	if h.paused {
		h.mu.Unlock()
		return len(buffer), nil
	}
	// Guard Add under the same mutex as h.released to avoid Add/Wait races.
	h.inflight.Add(1)

	h.pending = append(h.pending, buffer...)

	chunks := make([][]byte, 0, len(h.pending)/chunkSizeBytes)
	for len(h.pending) >= chunkSizeBytes {
		chunk := make([]byte, chunkSizeBytes)
		copy(chunk, h.pending[:chunkSizeBytes])
		h.pending = h.pending[chunkSizeBytes:]
		chunks = append(chunks, chunk)
	}
	h.mu.Unlock()
	defer h.inflight.Done()

	h.bytes.Add(int64(len(buffer)))

	for _, chunk := range chunks {
		select {
		case <-h.releaseC:
			return 0, io.EOF
		case h.chunks <- chunk:
		}
	}

	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// sourceStateString maps Pulse source state constants to human-readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
