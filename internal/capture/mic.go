//go:build cgo

package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// MicSource captures mono float32 audio from the default input device.
type MicSource struct {
	sampleRate   int
	frameSamples int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewMicSource prepares a microphone source; the device is opened on Start.
func NewMicSource(sampleRate, frameSamples int) *MicSource {
	return &MicSource{sampleRate: sampleRate, frameSamples: frameSamples}
}

// Start implements AudioSource. Device callbacks are regrouped into frames
// of exactly frameSamples samples.
func (m *MicSource) Start(cb AudioCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return ErrAlreadyRunning
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.PeriodSizeInFrames = uint32(m.frameSamples)

	frame := make([]float32, 0, m.frameSamples)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			for i := 0; i+4 <= len(input) && i/4 < int(frameCount); i += 4 {
				frame = append(frame, math.Float32frombits(binary.LittleEndian.Uint32(input[i:])))
				if len(frame) == m.frameSamples {
					cb(frame)
					frame = frame[:0]
				}
			}
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	m.ctx = ctx
	m.device = dev
	return nil
}

// Stop implements AudioSource.
func (m *MicSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return
	}
	_ = m.device.Stop()
	m.device.Uninit()
	_ = m.ctx.Uninit()
	m.ctx.Free()
	m.device = nil
	m.ctx = nil
}
