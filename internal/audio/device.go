package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// WAVDevice streams 16-bit mono PCM frames from a WAV file, paced in real
// time. It stands in for a microphone in headless runs and tests.
type WAVDevice struct {
	path string
	file *os.File
}

func NewWAVDevice(path string) *WAVDevice {
	return &WAVDevice{path: path}
}

func (d *WAVDevice) Open(ctx context.Context, c Constraints) (<-chan Frame, error) {
	file, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file: %w", err)
	}
	d.file = file

	sampleRate, err := seekToData(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	if sampleRate == 0 {
		sampleRate = c.SampleRate
	}

	frameSamples := sampleRate * FrameMillis / 1000
	frames := make(chan Frame, 8)

	go func() {
		defer close(frames)

		ticker := time.NewTicker(FrameMillis * time.Millisecond)
		defer ticker.Stop()

		buf := make([]byte, frameSamples*2)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			n, err := io.ReadFull(file, buf)
			if n == 0 {
				if err != nil && err != io.EOF {
					log.Warn().Err(err).Msg("WAV device read failed")
				}
				return
			}

			pcm := make([]int16, n/2)
			for i := range pcm {
				pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}

			frames <- Frame{PCM: pcm, SampleRate: sampleRate, Time: time.Now()}

			if err != nil {
				return
			}
		}
	}()

	return frames, nil
}

func (d *WAVDevice) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

// seekToData walks the RIFF chunks to the start of PCM data and returns the
// declared sample rate.
func seekToData(r io.ReadSeeker) (int, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	sampleRate := 0
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return 0, fmt.Errorf("malformed wav: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			fmtChunk := make([]byte, size)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return 0, fmt.Errorf("malformed fmt chunk: %w", err)
			}
			if len(fmtChunk) >= 8 {
				sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			}
		case "data":
			return sampleRate, nil
		default:
			if _, err := r.Seek(size, io.SeekCurrent); err != nil {
				return 0, fmt.Errorf("malformed wav: %w", err)
			}
		}
	}
}
