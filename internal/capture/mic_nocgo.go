//go:build !cgo

package capture

// MicSource is unavailable in builds without cgo.
type MicSource struct{}

// NewMicSource returns a source whose Start always fails.
func NewMicSource(sampleRate, frameSamples int) *MicSource {
	return &MicSource{}
}

// Start implements AudioSource.
func (m *MicSource) Start(cb AudioCallback) error {
	return ErrDeviceUnavailable
}

// Stop implements AudioSource.
func (m *MicSource) Stop() {}
