package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

const (
	Channels     = 1 // Mono
	FrameMillis  = 20
	MaxOpusBytes = 1000
)

// Encoding labels carried alongside utterance blobs. The opus payload uses
// int16-length-prefixed packet framing (the DCA convention).
const (
	MimeOpus = "audio/dca;codecs=opus"
	MimeWAV  = "audio/wav"
	MimePCM  = "audio/pcm"
)

// DefaultEncodingPreference is tried in order; the first encoding that can be
// constructed for the session's sample rate wins.
var DefaultEncodingPreference = []string{MimeOpus, MimeWAV, MimePCM}

// SelectEncoder picks the first supported encoding from the preference list.
func SelectEncoder(preference []string, sampleRate int) (Encoder, error) {
	for _, mime := range preference {
		switch mime {
		case MimeOpus:
			enc, err := NewOpusEncoder(sampleRate)
			if err == nil {
				return enc, nil
			}
		case MimeWAV:
			return &WAVEncoder{}, nil
		case MimePCM:
			return &PCMEncoder{}, nil
		}
	}
	return nil, fmt.Errorf("no supported encoding among %v", preference)
}

// OpusEncoder encodes utterances as a stream of length-prefixed opus packets.
type OpusEncoder struct {
	encoder    *gopus.Encoder
	sampleRate int
	frameSize  int
}

func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	encoder, err := gopus.NewEncoder(sampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	return &OpusEncoder{
		encoder:    encoder,
		sampleRate: sampleRate,
		frameSize:  sampleRate * FrameMillis / 1000,
	}, nil
}

func (e *OpusEncoder) MimeType() string {
	return MimeOpus
}

func (e *OpusEncoder) Encode(frames []Frame, sampleRate int) ([]byte, error) {
	pcm := flatten(frames)
	if len(pcm) == 0 {
		return nil, nil
	}

	// Pad the tail to a whole opus frame.
	if rem := len(pcm) % e.frameSize; rem != 0 {
		pcm = append(pcm, make([]int16, e.frameSize-rem)...)
	}

	var buf bytes.Buffer
	for off := 0; off < len(pcm); off += e.frameSize {
		packet, err := e.encoder.Encode(pcm[off:off+e.frameSize], e.frameSize, MaxOpusBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode opus frame: %w", err)
		}

		if err := binary.Write(&buf, binary.LittleEndian, int16(len(packet))); err != nil {
			return nil, err
		}
		buf.Write(packet)
	}

	return buf.Bytes(), nil
}

// WAVEncoder wraps the raw PCM in a RIFF/WAVE container.
type WAVEncoder struct{}

func (e *WAVEncoder) MimeType() string {
	return MimeWAV
}

func (e *WAVEncoder) Encode(frames []Frame, sampleRate int) ([]byte, error) {
	pcm := flatten(frames)
	dataLen := len(pcm) * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*Channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(Channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	binary.Write(&buf, binary.LittleEndian, pcm)

	return buf.Bytes(), nil
}

// PCMEncoder emits bare little-endian samples.
type PCMEncoder struct{}

func (e *PCMEncoder) MimeType() string {
	return MimePCM
}

func (e *PCMEncoder) Encode(frames []Frame, sampleRate int) ([]byte, error) {
	pcm := flatten(frames)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, pcm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flatten(frames []Frame) []int16 {
	total := 0
	for _, f := range frames {
		total += len(f.PCM)
	}

	pcm := make([]int16, 0, total)
	for _, f := range frames {
		pcm = append(pcm, f.PCM...)
	}
	return pcm
}
