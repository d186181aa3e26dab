package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/flowpbx/lightvoice/internal/buffer"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame, err := Encode([]byte("hello room"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	buf := buffer.New()
	buf.Append(frame)

	payload, ok, err := TryDecode(buf)
	if err != nil {
		t.Fatalf("TryDecode: %v", err)
	}
	if !ok {
		t.Fatalf("TryDecode reported incomplete frame for a fully-buffered one")
	}
	if !bytes.Equal(payload, []byte("hello room")) {
		t.Fatalf("payload = %q, want %q", payload, "hello room")
	}
	if buf.ReadableBytes() != 0 {
		t.Fatalf("buffer should be fully drained, has %d bytes left", buf.ReadableBytes())
	}
}

func TestTryDecodeWaitsForFullFrame(t *testing.T) {
	frame, _ := Encode([]byte("partial payload"))

	buf := buffer.New()
	buf.Append(frame[:len(frame)-3])

	_, ok, err := TryDecode(buf)
	if err != nil {
		t.Fatalf("TryDecode: %v", err)
	}
	if ok {
		t.Fatalf("TryDecode reported a complete frame before all bytes arrived")
	}

	buf.Append(frame[len(frame)-3:])
	payload, ok, err := TryDecode(buf)
	if err != nil || !ok {
		t.Fatalf("TryDecode after remainder arrived: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(payload, []byte("partial payload")) {
		t.Fatalf("payload = %q", payload)
	}
}

func TestTryDecodeRejectsOversizedFrame(t *testing.T) {
	buf := buffer.New()
	var header [4]byte
	header[0] = 0xFF // length far beyond MaxFrameLength
	buf.Append(header[:])

	_, _, err := TryDecode(buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("TryDecode err = %v, want ErrFrameTooLarge", err)
	}
}

func TestTwoFramesBackToBack(t *testing.T) {
	f1, _ := Encode([]byte("first"))
	f2, _ := Encode([]byte("second"))

	buf := buffer.New()
	buf.Append(f1)
	buf.Append(f2)

	p1, ok, err := TryDecode(buf)
	if err != nil || !ok || string(p1) != "first" {
		t.Fatalf("first frame: payload=%q ok=%v err=%v", p1, ok, err)
	}
	p2, ok, err := TryDecode(buf)
	if err != nil || !ok || string(p2) != "second" {
		t.Fatalf("second frame: payload=%q ok=%v err=%v", p2, ok, err)
	}
}
