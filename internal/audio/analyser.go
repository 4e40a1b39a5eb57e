package audio

import (
	"math"
	"sync/atomic"
)

// Analyser tracks a smoothed, normalized volume estimate of the microphone
// signal. Frames are pushed from the device goroutine; Volume is read from
// the detector tick loop, so the current value is kept in an atomic cell.
type Analyser struct {
	window    int
	smoothing float64
	volume    atomic.Uint64 // float64 bits
}

func NewAnalyser(window int, smoothing float64) *Analyser {
	if window <= 0 {
		window = 256
	}
	return &Analyser{window: window, smoothing: smoothing}
}

// Push folds one frame into the smoothed volume signal.
func (a *Analyser) Push(frame Frame) {
	pcm := frame.PCM
	for len(pcm) > 0 {
		n := a.window
		if n > len(pcm) {
			n = len(pcm)
		}
		level := rms(pcm[:n])
		prev := a.Volume()
		a.volume.Store(math.Float64bits(a.smoothing*prev + (1-a.smoothing)*level))
		pcm = pcm[n:]
	}
}

// Volume returns the current smoothed volume in [0,1].
func (a *Analyser) Volume() float64 {
	return math.Float64frombits(a.volume.Load())
}

// Reset clears the volume signal.
func (a *Analyser) Reset() {
	a.volume.Store(0)
}

// rms computes the normalized root-mean-square level of a PCM block.
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range pcm {
		s := float64(sample) / 32768.0
		sum += s * s
	}

	return math.Sqrt(sum / float64(len(pcm)))
}
