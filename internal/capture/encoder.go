package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/insight-bridge/internal/audio"
	"github.com/lexiqai/insight-bridge/internal/protocol"
)

var (
	// ErrDeviceUnavailable means no capture device could be opened.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrAlreadyRunning is returned by Start on a running encoder.
	ErrAlreadyRunning = errors.New("encoder already running")
)

// Sender delivers an encoded message to the relay.
type Sender interface {
	Send(msg protocol.ClientMessage) error
}

// Options tunes an Encoder.
type Options struct {
	VideoEvery  int // one frame per N audio callbacks, 0 disables video
	JPEGQuality int
	QueueSize   int

	// VAD, when set, is fed every audio frame and OnVoice is told about
	// speech start and end.
	VAD     *audio.VADDetector
	OnVoice func(speaking bool, rms float64)

	Logger zerolog.Logger
}

type job struct {
	audio protocol.MediaChunk
	frame bool
}

// Encoder runs the capture callback and a sender goroutine. The callback
// only converts and enqueues; frame encoding and network writes happen on
// the sender, and a full queue drops chunks instead of stalling capture.
type Encoder struct {
	audio AudioSource
	video FrameSource
	out   Sender
	opts  Options

	mu      sync.Mutex
	running bool
	queue   chan job
	done    chan struct{}

	callbacks atomic.Int64
	dropped   atomic.Int64
}

// NewEncoder wires sources to a sender. video may be nil for audio-only
// capture.
func NewEncoder(src AudioSource, video FrameSource, out Sender, opts Options) *Encoder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	return &Encoder{audio: src, video: video, out: out, opts: opts}
}

// Start opens the audio device and begins streaming. It fails with
// ErrDeviceUnavailable when the device cannot be opened, in which case
// nothing is sent.
func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}
	if e.audio == nil {
		return ErrDeviceUnavailable
	}

	queue := make(chan job, e.opts.QueueSize)
	done := make(chan struct{})
	e.callbacks.Store(0)
	if e.opts.VAD != nil {
		e.opts.VAD.Reset()
	}

	go e.sendLoop(queue, done)

	if err := e.audio.Start(func(samples []float32) { e.onAudio(queue, samples) }); err != nil {
		close(queue)
		<-done
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return err
	}

	e.queue = queue
	e.done = done
	e.running = true
	e.opts.Logger.Debug().Int("video_every", e.opts.VideoEvery).Msg("Capture started")
	return nil
}

// Stop releases the device and returns once every queued chunk has been
// handed to the sender. Calling Stop on a stopped encoder is a no-op.
func (e *Encoder) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.audio.Stop()
	close(e.queue)
	<-e.done
	e.running = false

	e.opts.Logger.Debug().
		Int64("callbacks", e.callbacks.Load()).
		Int64("dropped", e.dropped.Load()).
		Msg("Capture stopped")
}

// Running reports whether capture is active.
func (e *Encoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Dropped returns how many chunks were discarded because the queue was full.
func (e *Encoder) Dropped() int64 {
	return e.dropped.Load()
}

func (e *Encoder) onAudio(queue chan<- job, samples []float32) {
	n := e.callbacks.Add(1)

	if e.opts.VAD != nil && e.opts.OnVoice != nil {
		pcm := make([]int16, len(samples))
		for i, s := range samples {
			pcm[i] = audio.FloatToInt16(s)
		}
		_, started, ended := e.opts.VAD.ProcessFrame(pcm)
		if started || ended {
			e.opts.OnVoice(started, audio.CalculateRMS(pcm))
		}
	}

	j := job{
		audio: EncodeAudio(samples),
		frame: e.video != nil && e.opts.VideoEvery > 0 && n%int64(e.opts.VideoEvery) == 0,
	}
	select {
	case queue <- j:
	default:
		e.dropped.Add(1)
	}
}

func (e *Encoder) sendLoop(queue <-chan job, done chan<- struct{}) {
	defer close(done)

	for j := range queue {
		chunks := []protocol.MediaChunk{j.audio}
		if j.frame {
			if chunk, err := e.grabFrame(); err != nil {
				e.opts.Logger.Debug().Err(err).Msg("Skipping video frame")
			} else {
				chunks = append(chunks, chunk)
			}
		}
		if err := e.out.Send(protocol.NewMediaMessage(chunks...)); err != nil {
			e.opts.Logger.Debug().Err(err).Msg("Media chunk not sent")
		}
	}
}

func (e *Encoder) grabFrame() (protocol.MediaChunk, error) {
	img, err := e.video.Frame()
	if err != nil {
		return protocol.MediaChunk{}, err
	}
	return EncodeFrame(img, e.opts.JPEGQuality)
}
