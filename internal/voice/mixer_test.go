package voice

import (
	"encoding/binary"
	"errors"
	"testing"
)

// fakeCodec is a deterministic stand-in for the opus oracle: it encodes
// PCM samples as plain little-endian int16 bytes, so tests can assert
// on exact mixed values without needing the real codec linked in.
type fakeCodec struct {
	decodeErr error
	badCount  int // next N Decode calls return a wrong sample count
}

func (f *fakeCodec) Decode(packet []byte) ([]int16, error) {
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	if f.badCount > 0 {
		f.badCount--
		return make([]int16, FrameSamples-1), nil
	}
	pcm := make([]int16, len(packet)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(packet[i*2:]))
	}
	return pcm, nil
}

func (f *fakeCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func encodeSilence() []byte {
	pcm := make([]int16, FrameSamples*Channels)
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func encodeConstant(v int16) []byte {
	pcm := make([]int16, FrameSamples*Channels)
	for i := range pcm {
		pcm[i] = v
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func decodePacket(t *testing.T, packet []byte) []int16 {
	t.Helper()
	pcm := make([]int16, len(packet)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(packet[i*2:]))
	}
	return pcm
}

func TestMixEmptyFramesReturnsFalse(t *testing.T) {
	m := NewMixer(&fakeCodec{})
	_, ok, err := m.Mix(nil)
	if err != nil || ok {
		t.Fatalf("Mix(nil) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestMixSilenceStaysNearZero(t *testing.T) {
	m := NewMixer(&fakeCodec{})
	frames := [][]byte{encodeSilence(), encodeSilence(), encodeSilence()}

	packet, ok, err := m.Mix(frames)
	if err != nil || !ok {
		t.Fatalf("Mix: ok=%v err=%v", ok, err)
	}

	pcm := decodePacket(t, packet)
	for i, s := range pcm {
		if s < -1 || s > 1 {
			t.Fatalf("sample %d = %d, want within +-1 of zero", i, s)
		}
	}
}

func TestMixIdempotentForSingleFrame(t *testing.T) {
	m := NewMixer(&fakeCodec{})
	input := encodeConstant(1234)

	packet, ok, err := m.Mix([][]byte{input})
	if err != nil || !ok {
		t.Fatalf("Mix: ok=%v err=%v", ok, err)
	}

	pcm := decodePacket(t, packet)
	for i, s := range pcm {
		if s != 1234 {
			t.Fatalf("sample %d = %d, want 1234 (K=1 should be lossless)", i, s)
		}
	}
}

func TestMixNeverWraps(t *testing.T) {
	m := NewMixer(&fakeCodec{})
	frames := make([][]byte, 16)
	for i := range frames {
		frames[i] = encodeConstant(32000)
	}

	packet, ok, err := m.Mix(frames)
	if err != nil || !ok {
		t.Fatalf("Mix: ok=%v err=%v", ok, err)
	}

	pcm := decodePacket(t, packet)
	for i, s := range pcm {
		if s < -32768 || s > 32767 {
			t.Fatalf("sample %d = %d, out of int16 range", i, s)
		}
	}
}

func TestMixDiscardsBadDecodesSilently(t *testing.T) {
	codec := &fakeCodec{badCount: 1}
	m := NewMixer(codec)

	frames := [][]byte{encodeConstant(100), encodeConstant(100)}
	packet, ok, err := m.Mix(frames)
	if err != nil || !ok {
		t.Fatalf("Mix: ok=%v err=%v", ok, err)
	}

	pcm := decodePacket(t, packet)
	if pcm[0] != 100 {
		t.Fatalf("sample 0 = %d, want 100 (bad decode should be silently dropped)", pcm[0])
	}
}

func TestMixAllDecodesFailReturnsFalse(t *testing.T) {
	m := NewMixer(&fakeCodec{decodeErr: errors.New("corrupt")})
	_, ok, err := m.Mix([][]byte{encodeSilence()})
	if err != nil || ok {
		t.Fatalf("Mix with all-bad input: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestMixAboveTwoContributorsAppliesPreLimiter(t *testing.T) {
	m := NewMixer(&fakeCodec{})
	frames := [][]byte{encodeConstant(1000), encodeConstant(1000), encodeConstant(1000)}

	packet, ok, err := m.Mix(frames)
	if err != nil || !ok {
		t.Fatalf("Mix: ok=%v err=%v", ok, err)
	}

	pcm := decodePacket(t, packet)
	// sum = 3000, K=3 so divisor = K/2 = 1 (integer division), no change.
	if pcm[0] != 3000 {
		t.Fatalf("sample 0 = %d, want 3000", pcm[0])
	}
}
