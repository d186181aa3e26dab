// Package voice implements the mixing pipeline: decode every
// contributing speaker's packet to PCM, sum with clip protection,
// re-encode the result to a single packet per room tick.
package voice

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// SampleRate, Channels and FrameSamples are fixed by the wire contract:
// every packet the mixer touches is exactly one 20ms frame of 48kHz
// mono audio.
const (
	SampleRate      = 48000
	Channels        = 1
	FrameSamples    = 960 // 20ms at 48kHz
	MaxPacketBytes  = 4000
	targetBitrate   = 64000
)

// Codec is the black-box encode/decode oracle the mixer treats as an
// external collaborator. OpusCodec is the production implementation;
// tests substitute a deterministic fake so the mixing algorithm can be
// verified without linking the opus C library.
type Codec interface {
	// Decode turns one encoded packet into exactly FrameSamples PCM
	// samples, or returns an error if the packet does not decode to
	// that many samples.
	Decode(packet []byte) ([]int16, error)
	// Encode turns exactly FrameSamples PCM samples into an encoded
	// packet no larger than MaxPacketBytes.
	Encode(pcm []int16) ([]byte, error)
}

// OpusCodec wraps a pinned opus encoder/decoder pair. Per the mixer's
// ownership rule, an OpusCodec must not be shared across goroutines:
// construct one per mix loop and keep it pinned to that loop's thread,
// exactly as the encoder/decoder in the wrapped library are documented
// as not safe for concurrent use.
type OpusCodec struct {
	encoder *opus.Encoder
	decoder *opus.Decoder
}

// NewOpusCodec builds an encoder configured for voice at targetBitrate
// and a matching mono 48kHz decoder.
func NewOpusCodec() (*OpusCodec, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("voice: opus encoder: %w", err)
	}
	if err := enc.SetBitrate(targetBitrate); err != nil {
		return nil, fmt.Errorf("voice: opus set bitrate: %w", err)
	}

	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("voice: opus decoder: %w", err)
	}

	return &OpusCodec{encoder: enc, decoder: dec}, nil
}

// Decode implements Codec.
func (c *OpusCodec) Decode(packet []byte) ([]int16, error) {
	pcm := make([]int16, FrameSamples*Channels)
	n, err := c.decoder.Decode(packet, pcm)
	if err != nil {
		return nil, fmt.Errorf("voice: opus decode: %w", err)
	}
	if n != FrameSamples {
		return nil, fmt.Errorf("voice: opus decode produced %d samples, want %d", n, FrameSamples)
	}
	return pcm, nil
}

// Encode implements Codec.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, MaxPacketBytes)
	n, err := c.encoder.Encode(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("voice: opus encode: %w", err)
	}
	return out[:n], nil
}
