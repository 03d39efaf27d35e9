package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// PlaybackSampleRate is the rate of model output audio.
	PlaybackSampleRate = 24000
	// CaptureSampleRate is the rate of microphone input audio.
	CaptureSampleRate = 16000

	bytesPerSample = 2
)

// DecodeBase64PCM16 decodes a base64 PCM16LE payload from the wire.
func DecodeBase64PCM16(data string) ([]byte, error) {
	if data == "" {
		return nil, fmt.Errorf("empty audio payload")
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	if len(pcm)%bytesPerSample != 0 {
		return nil, fmt.Errorf("odd pcm16 payload length %d", len(pcm))
	}
	return pcm, nil
}

// PCM16Duration returns the playback duration of mono PCM16LE bytes.
func PCM16Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 || len(pcm) < bytesPerSample {
		return 0
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
