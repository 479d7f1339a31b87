package wasm

import (
	"bytes"
	"testing"
)

func TestLEB128uRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 300, 16384, 0xFFFFFFFF}
	for _, v := range values {
		var buf bytes.Buffer
		WriteLEB128u(&buf, v)
		got, err := ReadLEB128u(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadLEB128u(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestLEB128sRoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 63, 64, -64, -65, 8191, -8192, 2147483647, -2147483648}
	for _, v := range values {
		var buf bytes.Buffer
		WriteLEB128s(&buf, v)
		got, err := ReadLEB128s(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadLEB128s(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestLEB128s64RoundTrip(t *testing.T) {
	values := []int64{0, -1, 4611686018427387903, -4611686018427387904}
	for _, v := range values {
		var buf bytes.Buffer
		WriteLEB128s64(&buf, v)
		got, err := ReadLEB128s64(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadLEB128s64(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestLEB128uOverflow(t *testing.T) {
	data := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80}
	if _, err := ReadLEB128u(bytes.NewReader(data)); err == nil {
		t.Error("expected overflow error")
	}
}

func TestFloatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	WriteFloat64(&buf, 6.25)
	got, err := ReadFloat64(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got != 6.25 {
		t.Errorf("got %v, want 6.25", got)
	}

	buf.Reset()
	WriteFloat32(&buf, -0.5)
	got32, err := ReadFloat32(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got32 != -0.5 {
		t.Errorf("got %v, want -0.5", got32)
	}
}
