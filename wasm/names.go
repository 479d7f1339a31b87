package wasm

import (
	"github.com/wippyai/floretta/wasm/internal/binary"
)

// Name section subsection IDs (extended-name-section proposal numbering).
const (
	nameSubModule byte = 0
	nameSubFunc   byte = 1
	nameSubLocal  byte = 2
	nameSubMemory byte = 6
	nameSubGlobal byte = 7
)

// Names holds the decoded contents of a "name" custom section. Only the
// subsections the transformer rewrites are modeled; unknown subsections
// are carried through as raw bytes.
type Names struct {
	Module   string
	Funcs    map[uint32]string
	Memories map[uint32]string
	Globals  map[uint32]string
	rawTail  []byte // unmodeled subsections, re-emitted verbatim
}

// DecodeNames parses a name custom section payload. A decoding failure
// returns nil: the name section is advisory and a malformed one is dropped
// rather than failing the transform.
func DecodeNames(data []byte) *Names {
	r := binary.NewReader(data, 0)
	n := &Names{
		Funcs:    make(map[uint32]string),
		Memories: make(map[uint32]string),
		Globals:  make(map[uint32]string),
	}
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil
		}
		sub, err := r.ReadBytes(int(size))
		if err != nil {
			return nil
		}
		sr := binary.NewReader(sub, 0)
		switch id {
		case nameSubModule:
			name, err := sr.ReadName()
			if err != nil {
				return nil
			}
			n.Module = name
		case nameSubFunc:
			if decodeNameMap(sr, n.Funcs) != nil {
				return nil
			}
		case nameSubMemory:
			if decodeNameMap(sr, n.Memories) != nil {
				return nil
			}
		case nameSubGlobal:
			if decodeNameMap(sr, n.Globals) != nil {
				return nil
			}
		default:
			// Preserve unmodeled subsections (locals, labels, ...) verbatim.
			w := binary.NewWriter()
			w.Byte(id)
			w.WriteU32(size)
			w.WriteBytes(sub)
			n.rawTail = append(n.rawTail, w.Bytes()...)
		}
	}
	return n
}

func decodeNameMap(r *binary.Reader, into map[uint32]string) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		into[idx] = name
	}
	return nil
}

// Encode serializes the name section payload. Modeled subsections are
// emitted in canonical order; unmodeled subsections are re-emitted in their
// input order between the function names and the memory names, whatever
// their id. Index maps are emitted in ascending index order.
func (n *Names) Encode() []byte {
	w := binary.NewWriter()
	if n.Module != "" {
		sub := binary.NewWriter()
		sub.WriteName(n.Module)
		writeNameSub(w, nameSubModule, sub.Bytes())
	}
	if len(n.Funcs) > 0 {
		writeNameSub(w, nameSubFunc, encodeNameMap(n.Funcs))
	}
	w.WriteBytes(n.rawTail)
	if len(n.Memories) > 0 {
		writeNameSub(w, nameSubMemory, encodeNameMap(n.Memories))
	}
	if len(n.Globals) > 0 {
		writeNameSub(w, nameSubGlobal, encodeNameMap(n.Globals))
	}
	return w.Bytes()
}

func encodeNameMap(m map[uint32]string) []byte {
	idxs := make([]uint32, 0, len(m))
	for idx := range m {
		idxs = append(idxs, idx)
	}
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && idxs[j-1] > idxs[j]; j-- {
			idxs[j-1], idxs[j] = idxs[j], idxs[j-1]
		}
	}
	w := binary.NewWriter()
	w.WriteU32(uint32(len(idxs)))
	for _, idx := range idxs {
		w.WriteU32(idx)
		w.WriteName(m[idx])
	}
	return w.Bytes()
}

func writeNameSub(w *binary.Writer, id byte, payload []byte) {
	w.Byte(id)
	w.WriteU32(uint32(len(payload)))
	w.WriteBytes(payload)
}
