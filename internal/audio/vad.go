package audio

import (
	"math"

	"github.com/maxhawkins/go-webrtcvad"
)

// WebRTCClassifier gates detector ticks through the WebRTC voice activity
// model, falling back to a plain RMS check for frames the model cannot
// process.
type WebRTCClassifier struct {
	vad          *webrtcvad.VAD
	rmsThreshold float64
}

func NewWebRTCClassifier(mode int) (*WebRTCClassifier, error) {
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}

	// Aggressiveness 0-3, where 3 is most aggressive
	vad.SetMode(mode)

	return &WebRTCClassifier{
		vad:          vad,
		rmsThreshold: 0.015, // Fallback RMS threshold, normalized
	}, nil
}

func (v *WebRTCClassifier) IsSpeech(pcm []int16, sampleRate int) bool {
	bytes := int16SliceToBytes(pcm)

	// WebRTC VAD expects specific frame sizes
	if len(bytes) < sampleRate/100*2 { // 10ms of 16-bit samples
		return v.rmsIsSpeech(pcm)
	}

	isSpeech, err := v.vad.Process(sampleRate, bytes)
	if err != nil {
		return v.rmsIsSpeech(pcm)
	}
	return isSpeech
}

func (v *WebRTCClassifier) rmsIsSpeech(pcm []int16) bool {
	if len(pcm) == 0 {
		return false
	}

	var sum float64
	for _, sample := range pcm {
		s := float64(sample) / 32768.0
		sum += s * s
	}

	return math.Sqrt(sum/float64(len(pcm))) > v.rmsThreshold
}

func (v *WebRTCClassifier) Close() error {
	// go-webrtcvad frees its native state via a finalizer and exposes no
	// Close method, so there is nothing to release explicitly.
	v.vad = nil
	return nil
}

func int16SliceToBytes(samples []int16) []byte {
	bytes := make([]byte, len(samples)*2)
	for i, sample := range samples {
		bytes[i*2] = byte(sample)
		bytes[i*2+1] = byte(sample >> 8)
	}
	return bytes
}
