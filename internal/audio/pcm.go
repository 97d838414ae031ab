// Package audio converts PCM16 payloads into inference windows and exposes the
// audio sources consumed by live sessions.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// SampleRate is the rate expected by the inference engines.
const SampleRate = 16000

// BytesPerSample is the width of a mono PCM16LE sample.
const BytesPerSample = 2

// PCM16ToFloat32 converts little-endian PCM16 bytes to samples in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat32(buf []byte) []float32 {
	n := len(buf) / BytesPerSample
	if n == 0 {
		return nil
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		u := binary.LittleEndian.Uint16(buf[2*i:])
		samples[i] = float32(int16(u)) / 32768.0
	}
	return samples
}

// Float32ToPCM16 converts samples back into little-endian PCM16 bytes,
// clamping values outside [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		v := float64(sample)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// PadSilence returns samples followed by padMs milliseconds of zeros.
func PadSilence(samples []float32, sampleRate, padMs int) []float32 {
	if padMs <= 0 || sampleRate <= 0 {
		return samples
	}
	pad := sampleRate * padMs / 1000
	out := make([]float32, len(samples), len(samples)+pad)
	copy(out, samples)
	return append(out, make([]float32, pad)...)
}

// RMS returns the root mean square level of a PCM16 payload in [0, 1].
func RMS(buf []byte) float64 {
	samples := PCM16ToFloat32(buf)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// WindowBytes is the byte size of seconds of mono PCM16 audio.
func WindowBytes(sampleRate int, seconds float64) int {
	n := int(float64(sampleRate) * seconds)
	return n * BytesPerSample
}

// DurationMs reports the duration of n bytes of mono PCM16 audio.
func DurationMs(n, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(n/BytesPerSample) * 1000 / int64(sampleRate)
}

// DecodeBase64 decodes a base64 audio payload sent by clients.
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64 chunk: %w", err)
	}
	return data, nil
}
