package tftp

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestNativeToNetascii(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"abc\n", "abc\r\n"},
		{"\r", "\r\x00"},
		{"", ""},
		{"no newline", "no newline"},
	}
	for _, c := range cases {
		got := EncodeNetascii([]byte(c.in))
		if !bytes.Equal(got, []byte(c.want)) {
			t.Errorf("EncodeNetascii(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNetasciiToNative(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"a\r\nb", "a\nb"},
		{"a\r\x00b", "a\rb"},
		{"", ""},
	}
	for _, c := range cases {
		got, err := DecodeNetascii([]byte(c.in))
		if err != nil {
			t.Fatalf("DecodeNetascii(%q): %v", c.in, err)
		}
		if !bytes.Equal(got, []byte(c.want)) {
			t.Errorf("DecodeNetascii(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNetasciiRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := r.Intn(256)
		buf := make([]byte, n)
		r.Read(buf)
		wire := EncodeNetascii(buf)
		back, err := DecodeNetascii(wire)
		if err != nil {
			t.Fatalf("DecodeNetascii(EncodeNetascii(%v)): %v", buf, err)
		}
		if !bytes.Equal(back, buf) {
			t.Fatalf("round trip mismatch: got %v, want %v", back, buf)
		}
	}
}

func TestBareCRIsMalformed(t *testing.T) {
	if _, err := DecodeNetascii([]byte("a\rb")); err == nil {
		t.Error("expected error for bare CR not followed by LF or NUL")
	}
	if _, err := DecodeNetascii([]byte("a\r")); err == nil {
		t.Error("expected error for trailing bare CR with nothing following")
	}
}

func TestNetasciiDecoderCarriesTrailingCRAcrossBlocks(t *testing.T) {
	var d NetasciiDecoder
	first, err := d.Decode([]byte("abc\r"))
	if err != nil {
		t.Fatalf("Decode block 1: %v", err)
	}
	if !d.Pending() {
		t.Fatal("expected decoder to carry a pending CR across the block boundary")
	}
	second, err := d.Decode([]byte("\ndef"))
	if err != nil {
		t.Fatalf("Decode block 2: %v", err)
	}
	got := append(first, second...)
	if !bytes.Equal(got, []byte("abc\ndef")) {
		t.Errorf("got %q, want %q", got, "abc\ndef")
	}
}

func TestNetasciiEncoderCarriesOverflowAcrossFills(t *testing.T) {
	var e NetasciiEncoder
	// "a\nb\nc" expands to "a\r\nb\r\nc" (7 bytes); request in chunks of 3.
	buf := make([]byte, 3)
	var got []byte
	n := e.Fill(buf, []byte("a\nb\nc"))
	got = append(got, buf[:n]...)
	for e.Pending() {
		n = e.Drain(buf)
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, []byte("a\r\nb\r\nc")) {
		t.Errorf("got %q, want %q", got, "a\r\nb\r\nc")
	}
}
