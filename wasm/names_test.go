package wasm

import "testing"

func TestNamesRoundTrip(t *testing.T) {
	n := &Names{
		Module:   "demo",
		Funcs:    map[uint32]string{0: "square", 2: "helper"},
		Memories: map[uint32]string{0: "memory"},
		Globals:  map[uint32]string{1: "counter"},
	}
	decoded := DecodeNames(n.Encode())
	if decoded == nil {
		t.Fatal("decode returned nil")
	}
	if decoded.Module != "demo" {
		t.Errorf("module name: %q", decoded.Module)
	}
	if decoded.Funcs[0] != "square" || decoded.Funcs[2] != "helper" {
		t.Errorf("func names: %v", decoded.Funcs)
	}
	if decoded.Memories[0] != "memory" {
		t.Errorf("memory names: %v", decoded.Memories)
	}
	if decoded.Globals[1] != "counter" {
		t.Errorf("global names: %v", decoded.Globals)
	}
}

func TestNamesMalformedDropped(t *testing.T) {
	if n := DecodeNames([]byte{1, 0xFF}); n != nil {
		t.Error("malformed name section should decode to nil")
	}
}
