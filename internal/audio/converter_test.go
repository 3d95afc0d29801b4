package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestFloatToInt16(t *testing.T) {
	tests := []struct {
		name     string
		input    float32
		expected int16
	}{
		{"max positive", 1.0, 32767},
		{"max negative", -1.0, -32768},
		{"zero", 0.0, 0},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3.0, -32768},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FloatToInt16(tt.input); got != tt.expected {
				t.Errorf("FloatToInt16(%v) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFloat32ToPCM16(t *testing.T) {
	pcm := Float32ToPCM16([]float32{0, 1.0, -1.0})

	expected := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	if len(pcm) != len(expected) {
		t.Fatalf("Expected %d bytes, got %d", len(expected), len(pcm))
	}
	for i, exp := range expected {
		if pcm[i] != exp {
			t.Errorf("Expected byte %#x at index %d, got %#x", exp, i, pcm[i])
		}
	}
}

func TestFloat32ToPCM16_Empty(t *testing.T) {
	if pcm := Float32ToPCM16(nil); len(pcm) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(pcm))
	}
}

func TestPCM16ToSamples(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}
	pcmData := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcmData[i*2:], uint16(sample))
	}

	decoded, err := PCM16ToSamples(pcmData)
	if err != nil {
		t.Fatalf("PCM16ToSamples failed: %v", err)
	}
	for i, exp := range samples {
		if decoded[i] != exp {
			t.Errorf("Expected sample %d at index %d, got %d", exp, i, decoded[i])
		}
	}

	if _, err := PCM16ToSamples([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}

func TestInt16ToPCM16_MatchesFloatPath(t *testing.T) {
	floats := []float32{0.25, -0.25, 0.9, -0.9}
	ints := make([]int16, len(floats))
	for i, f := range floats {
		ints[i] = FloatToInt16(f)
	}

	a := Float32ToPCM16(floats)
	b := Int16ToPCM16(ints)
	if string(a) != string(b) {
		t.Error("Expected identical byte packing for both paths")
	}
}

func TestInt16ToFloat32(t *testing.T) {
	out := Int16ToFloat32([]int16{32767, -32768, 0})
	if out[0] != 1.0 || out[1] != -1.0 || out[2] != 0 {
		t.Errorf("Unexpected conversion: %v", out)
	}
}

func TestResample(t *testing.T) {
	samples := make([]float32, 100)
	for i := range samples {
		samples[i] = float32(i) / 100
	}

	// Resample from 8kHz to 16kHz (should double)
	if resampled := Resample(samples, 8000, 16000); len(resampled) != 200 {
		t.Errorf("Expected resampled length 200, got %d", len(resampled))
	}

	// Resample from 48kHz to 16kHz (should be a third)
	resampled := Resample(samples, 48000, 16000)
	if len(resampled) != 33 {
		t.Errorf("Expected resampled length 33, got %d", len(resampled))
	}
	for i, s := range resampled {
		if s < 0 || s > 1 {
			t.Errorf("Interpolated sample %d out of input range: %v", i, s)
		}
	}

	// Same rate should return unchanged
	if same := Resample(samples, 16000, 16000); len(same) != len(samples) {
		t.Errorf("Expected unchanged length %d, got %d", len(samples), len(same))
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	// Expected RMS: sqrt((1000^2 + 1000^2 + 2000^2 + 2000^2) / 4)
	expected := math.Sqrt((1000000 + 1000000 + 4000000 + 4000000) / 4.0)
	if math.Abs(rms-expected) > 0.1 {
		t.Errorf("Expected RMS %.2f, got %.2f", expected, rms)
	}
}

func TestCalculateRMS_Empty(t *testing.T) {
	if rms := CalculateRMS([]int16{}); rms != 0.0 {
		t.Errorf("Expected RMS 0.0 for empty slice, got %.2f", rms)
	}
}
