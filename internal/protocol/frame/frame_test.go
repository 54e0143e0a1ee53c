package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 1},
		Payload: []byte("payload"),
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != int(FixedHeaderLen)+len(in.Payload) {
		t.Fatalf("encoded length = %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageID != 42 || out.Header.MessageType != 1 {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		if err := WriteFrame(&buf, Frame{Header: Header{MessageID: i}}, DefaultLimits()); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		f, err := ReadFrame(&buf, DefaultLimits())
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if f.Header.MessageID != i {
			t.Fatalf("message id = %d, want %d", f.Header.MessageID, i)
		}
	}
	if _, err := ReadFrame(&buf, DefaultLimits()); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	buf := EncodeHeader(Header{Magic: 0xDEADBEEF, Version: Version, HeaderLen: FixedHeaderLen})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: 8})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameSkipsHeaderExtension(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen + 4, MessageType: 3, PayloadLen: 2}
	raw := append(EncodeHeader(h), 0xAA, 0xBB, 0xCC, 0xDD, 'o', 'k')
	f, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(f.Payload) != "ok" {
		t.Fatalf("payload = %q, want ok", f.Payload)
	}
}

func TestPayloadLimit(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 4}
	if err := WriteFrame(io.Discard, Frame{Payload: []byte("too long")}, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("write: expected ErrPayloadTooLarge, got %v", err)
	}
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 5}
	if _, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("read: expected ErrPayloadTooLarge, got %v", err)
	}
}
