package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"

	"github.com/lexiqai/insight-bridge/internal/audio"
)

// AudioCallback receives one frame of mono samples in [-1, 1]. It must not
// retain samples after returning.
type AudioCallback func(samples []float32)

// AudioSource is a capture device. Start begins invoking cb from a single
// goroutine; Stop returns only after the last callback has finished.
type AudioSource interface {
	Start(cb AudioCallback) error
	Stop()
}

// FrameSource returns the current camera frame.
type FrameSource interface {
	Frame() (image.Image, error)
}

// feeder paces frames from a sample slice, then pads with silence.
type feeder struct {
	frameSamples int
	pace         time.Duration

	mu        sync.Mutex
	stop      chan struct{}
	stopped   chan struct{}
	exhausted chan struct{}
}

func (f *feeder) start(samples []float32, cb AudioCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		return ErrAlreadyRunning
	}
	if f.frameSamples <= 0 {
		return fmt.Errorf("frame size must be positive")
	}

	f.stop = make(chan struct{})
	f.stopped = make(chan struct{})
	f.exhausted = make(chan struct{})
	go f.run(samples, cb, f.stop, f.stopped, f.exhausted)
	return nil
}

func (f *feeder) run(samples []float32, cb AudioCallback, stop <-chan struct{}, stopped, exhausted chan<- struct{}) {
	defer close(stopped)

	if len(samples) == 0 {
		close(exhausted)
	}
	pace := f.pace
	if pace <= 0 {
		pace = time.Millisecond
	}
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	frame := make([]float32, f.frameSamples)
	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		clear(frame)
		if pos < len(samples) {
			pos += copy(frame, samples[pos:])
			if pos >= len(samples) {
				close(exhausted)
			}
		}
		cb(frame)
	}
}

func (f *feeder) halt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop == nil {
		return
	}
	close(f.stop)
	<-f.stopped
	f.stop = nil
}

// Exhausted is closed once every recorded sample has been delivered. It is
// nil before the first Start.
func (f *feeder) Exhausted() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted
}

func realtimePace(frameSamples, sampleRate int) time.Duration {
	return time.Duration(frameSamples) * time.Second / time.Duration(sampleRate)
}

// SilenceSource produces zeroed frames at the capture cadence.
type SilenceSource struct {
	feeder
}

// NewSilenceSource paces frameSamples-sized frames at sampleRate.
func NewSilenceSource(sampleRate, frameSamples int) *SilenceSource {
	return &SilenceSource{feeder: feeder{
		frameSamples: frameSamples,
		pace:         realtimePace(frameSamples, sampleRate),
	}}
}

// Start implements AudioSource.
func (s *SilenceSource) Start(cb AudioCallback) error {
	return s.start(nil, cb)
}

// Stop implements AudioSource.
func (s *SilenceSource) Stop() {
	s.halt()
}

// WAVSource replays a 16-bit PCM WAV file as if it were a microphone. Files
// at another rate or with several channels are downmixed and resampled. Once
// the file runs out the source keeps delivering silence.
type WAVSource struct {
	feeder
	path       string
	sampleRate int
}

// NewWAVSource prepares a source; the file is read on Start.
func NewWAVSource(path string, sampleRate, frameSamples int) *WAVSource {
	return &WAVSource{
		feeder: feeder{
			frameSamples: frameSamples,
			pace:         realtimePace(frameSamples, sampleRate),
		},
		path:       path,
		sampleRate: sampleRate,
	}
}

// WithPace overrides the real-time frame interval.
func (w *WAVSource) WithPace(d time.Duration) *WAVSource {
	w.pace = d
	return w
}

// Start implements AudioSource.
func (w *WAVSource) Start(cb AudioCallback) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	samples, rate, err := decodeWAV(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, w.path, err)
	}
	if rate != w.sampleRate {
		samples = audio.Resample(samples, rate, w.sampleRate)
	}
	return w.start(samples, cb)
}

// Stop implements AudioSource.
func (w *WAVSource) Stop() {
	w.halt()
}

var errNotWAV = errors.New("not a 16-bit PCM WAV file")

// decodeWAV walks the RIFF chunks for fmt and data and returns mono samples.
func decodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, 0, errNotWAV
	}

	var (
		channels, bits int
		rate           int
		pcm            []byte
	)
	for pos := 12; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := data[pos+8 : min(pos+8+size, len(data))]

		switch id {
		case "fmt ":
			if len(body) < 16 || binary.LittleEndian.Uint16(body[0:2]) != 1 {
				return nil, 0, errNotWAV
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			pcm = body
		}
		pos += 8 + size + size%2
	}
	if bits != 16 || channels < 1 || rate <= 0 || pcm == nil {
		return nil, 0, errNotWAV
	}

	ints, err := audio.PCM16ToSamples(pcm[:len(pcm)-len(pcm)%(2*channels)])
	if err != nil {
		return nil, 0, err
	}
	floats := audio.Int16ToFloat32(ints)
	if channels == 1 {
		return floats, rate, nil
	}

	mono := make([]float32, len(floats)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += floats[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono, rate, nil
}

// ImageFileSource serves a still JPEG or PNG as the camera frame.
type ImageFileSource struct {
	path string

	once sync.Once
	img  image.Image
	err  error
}

// NewImageFileSource prepares a source; the file is decoded on first use.
func NewImageFileSource(path string) *ImageFileSource {
	return &ImageFileSource{path: path}
}

// Frame implements FrameSource.
func (s *ImageFileSource) Frame() (image.Image, error) {
	s.once.Do(func() {
		f, err := os.Open(s.path)
		if err != nil {
			s.err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
			return
		}
		defer f.Close()
		s.img, _, s.err = image.Decode(f)
	})
	return s.img, s.err
}
