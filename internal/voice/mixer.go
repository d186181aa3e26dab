package voice

import "github.com/flowpbx/lightvoice/internal/pool"

// Mixer implements the decode/sum/clip/re-encode pipeline described
// for a room's mix tick. It owns exactly one Codec and must only ever
// be driven from the loop it was constructed on: the wrapped
// encoder/decoder pair is not safe for concurrent use. The int32
// accumulator and int16 output buffer are recycled tick to tick
// through a pair of object pools rather than allocated fresh every
// 20ms, since both are always exactly FrameSamples*Channels long.
type Mixer struct {
	codec Codec

	accPool   *pool.Pool[[]int32]
	mixedPool *pool.Pool[[]int16]
}

// NewMixer wraps codec in a Mixer. Ownership of codec transfers to the
// Mixer; callers must not use it concurrently from elsewhere.
func NewMixer(codec Codec) *Mixer {
	return &Mixer{
		codec: codec,
		accPool: pool.NewPool(
			func() []int32 { return make([]int32, FrameSamples*Channels) },
			func(s []int32) {
				for i := range s {
					s[i] = 0
				}
			},
		),
		mixedPool: pool.NewPool(
			func() []int16 { return make([]int16, FrameSamples*Channels) },
			nil,
		),
	}
}

// Mix runs one tick of the pipeline over frames (one encoded packet
// per contributing speaker) and returns the single re-encoded packet
// to fan out, or ok=false if there was nothing to mix or nothing
// survived re-encoding.
func (m *Mixer) Mix(frames [][]byte) (packet []byte, ok bool, err error) {
	if len(frames) == 0 {
		return nil, false, nil
	}

	decoded := make([][]int16, 0, len(frames))
	for _, f := range frames {
		pcm, derr := m.codec.Decode(f)
		if derr != nil {
			// Corrupted audio must not poison the mix: discard silently
			// and continue with the remaining streams.
			continue
		}
		if len(pcm) != FrameSamples*Channels {
			continue
		}
		decoded = append(decoded, pcm)
	}

	if len(decoded) == 0 {
		return nil, false, nil
	}

	acc := m.accPool.Get()
	defer m.accPool.Put(acc)
	for _, pcm := range decoded {
		for i, s := range pcm {
			acc[i] = clampInt32ToInt16Range(acc[i] + int32(s))
		}
	}

	k := len(decoded)
	if k > 2 {
		divisor := int32(k / 2)
		if divisor == 0 {
			divisor = 1
		}
		for i := range acc {
			acc[i] /= divisor
		}
	}

	mixed := m.mixedPool.Get()
	defer m.mixedPool.Put(mixed)
	for i, v := range acc {
		mixed[i] = int16(v)
	}

	packet, err = m.codec.Encode(mixed)
	if err != nil {
		return nil, false, err
	}
	if len(packet) == 0 {
		return nil, false, nil
	}
	if len(packet) > MaxPacketBytes {
		packet = packet[:MaxPacketBytes]
	}
	return packet, true, nil
}

// clampInt32ToInt16Range keeps the running sum inside the int16 range
// using a 32-bit intermediate, so repeated additions across many
// contributing streams never wrap before the clamp is applied.
func clampInt32ToInt16Range(v int32) int32 {
	const (
		minInt16 = -32768
		maxInt16 = 32767
	)
	if v < minInt16 {
		return minInt16
	}
	if v > maxInt16 {
		return maxInt16
	}
	return v
}
