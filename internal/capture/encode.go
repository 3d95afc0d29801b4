// Package capture turns microphone samples and camera frames into the
// base64 media chunks the relay accepts.
package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/lexiqai/insight-bridge/internal/audio"
	"github.com/lexiqai/insight-bridge/internal/protocol"
)

// Frame geometry sent upstream.
const (
	FrameWidth  = 320
	FrameHeight = 240
)

// DefaultJPEGQuality matches a 0.5 quality factor.
const DefaultJPEGQuality = 50

// EncodeAudio converts one callback's worth of samples to a PCM16 chunk.
func EncodeAudio(samples []float32) protocol.MediaChunk {
	return protocol.MediaChunk{
		MimeType: protocol.MimeAudioPCM,
		Data:     base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(samples)),
	}
}

// EncodeFrame scales img onto a 320x240 canvas and encodes it as JPEG.
func EncodeFrame(img image.Image, quality int) (protocol.MediaChunk, error) {
	if img == nil {
		return protocol.MediaChunk{}, fmt.Errorf("nil frame")
	}
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	canvas := image.NewRGBA(image.Rect(0, 0, FrameWidth, FrameHeight))
	draw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), img, img.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return protocol.MediaChunk{}, fmt.Errorf("failed to encode frame: %w", err)
	}
	return protocol.MediaChunk{
		MimeType: protocol.MimeImageJPEG,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
