package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameSize is the largest frame a single Opus packet may carry:
// 120 ms at 48 kHz, per channel.
const maxOpusFrameSize = 5760

// OpusDecoder decodes a stream of Opus packets into PCM16. Each inbound
// stream gets its own decoder so packet-loss concealment state stays
// consistent across consecutive frames. Not safe for concurrent use.
type OpusDecoder struct {
	dec    *gopus.Decoder
	format Format
}

// NewOpusDecoder creates a decoder producing PCM16 at the given rate and
// channel count (48000/2 and 16000/1 are the common choices).
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec: dec,
		format: Format{
			SampleRate: sampleRate,
			Channels:   channels,
			Encoding:   EncodingPCM16,
		},
	}, nil
}

// Format returns the PCM16 output format of the decoder.
func (d *OpusDecoder) Format() Format { return d.format }

// Decode decodes one Opus packet into interleaved little-endian PCM16 bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, maxOpusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
