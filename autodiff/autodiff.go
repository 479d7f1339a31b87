package autodiff

import (
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/floretta/autodiff/internal/dual"
	"github.com/wippyai/floretta/autodiff/internal/plan"
	"github.com/wippyai/floretta/autodiff/internal/planner"
	"github.com/wippyai/floretta/autodiff/internal/reverse"
	ferrors "github.com/wippyai/floretta/errors"
	"github.com/wippyai/floretta/wasm"
)

// Export requests that the backward pass of the function exported as
// Primal be exported as Adjoint in the reverse-mode output.
type Export struct {
	Primal  string
	Adjoint string
}

// Config configures a transformation. The zero value is usable.
type Config struct {
	// Exports binds backward passes to export names (reverse mode only).
	// The same primal may appear more than once under different adjoint
	// names; each request produces a working export.
	Exports []Export

	// ShadowMemoryExport, when non-empty, exports the shadow of memory 0
	// under this alias (reverse mode only).
	ShadowMemoryExport string
}

// AddExport appends an adjoint export request.
func (c *Config) AddExport(primal, adjoint string) {
	c.Exports = append(c.Exports, Export{Primal: primal, Adjoint: adjoint})
}

// Names of the tape pointer global exports. Hosts use these to observe
// tape balance: after a paired primal and backward call all three read 0.
const (
	TapePointerAlign1 = "tape_align_1"
	TapePointerAlign4 = "tape_align_4"
	TapePointerAlign8 = "tape_align_8"
)

// Reverse transforms a WebAssembly module for reverse-mode automatic
// differentiation: each function's forward pass records a tape, and a
// synthesized backward pass maps output cotangents to input cotangents.
func Reverse(input []byte, cfg Config) ([]byte, error) {
	m, err := parseInput(input)
	if err != nil {
		return nil, err
	}

	plans, err := planner.Analyze(m)
	if err != nil {
		return nil, err
	}
	numOriginal := len(plans)

	p, err := plan.Build(m)
	if err != nil {
		return nil, err
	}
	Logger().Debug("module planned",
		zap.Int("functions", numOriginal),
		zap.Int("helpers", len(p.Helpers)))

	for i := 0; i < numOriginal; i++ {
		if err := reverse.EmitForward(m, p, plans[i], &m.Code[i]); err != nil {
			return nil, err
		}
		Logger().Debug("forward pass emitted",
			zap.Uint32("func", plans[i].FuncIdx),
			zap.Int("segments", len(plans[i].Segments)),
			zap.Int("edges", len(plans[i].Edges)))
	}

	if err := reverse.EmitBackwardAll(m, p, plans); err != nil {
		return nil, err
	}

	if err := bindExports(m, p, cfg); err != nil {
		return nil, err
	}
	extendNames(m, p, numOriginal)

	return m.Encode(), nil
}

// Forward transforms a WebAssembly module for forward-mode automatic
// differentiation: every function is rewritten to the dual signature,
// propagating directional derivatives alongside primals.
func Forward(input []byte, cfg Config) ([]byte, error) {
	m, err := parseInput(input)
	if err != nil {
		return nil, err
	}

	plans, err := planner.Analyze(m)
	if err != nil {
		return nil, err
	}

	p, err := dual.Build(m)
	if err != nil {
		return nil, err
	}
	if err := dual.Rewrite(m, p, plans); err != nil {
		return nil, err
	}
	Logger().Debug("forward-mode rewrite complete", zap.Int("functions", len(plans)))

	return m.Encode(), nil
}

func parseInput(input []byte) (*wasm.Module, error) {
	m, err := wasm.ParseModule(input)
	if err != nil {
		return nil, wrapParseError(err)
	}
	if err := m.Validate(); err != nil {
		return nil, ferrors.New(ferrors.PhaseValidate, ferrors.KindInvalidModule).
			Cause(err).Detail("module validation failed").Build()
	}
	return m, nil
}

func wrapParseError(err error) error {
	var ue *wasm.UnsupportedError
	if stderrors.As(err, &ue) {
		return ferrors.Unsupported(ferrors.PhaseDecode, ue.Offset, ue.Feature)
	}
	return ferrors.New(ferrors.PhaseDecode, ferrors.KindInvalidModule).
		Cause(err).Detail("decode failed").Build()
}

func bindExports(m *wasm.Module, p *plan.Plan, cfg Config) error {
	funcExports := make(map[string]uint32)
	for _, exp := range m.Exports {
		if exp.Kind == wasm.KindFunc {
			funcExports[exp.Name] = exp.Idx
		}
	}

	for _, req := range cfg.Exports {
		primalIdx, ok := funcExports[req.Primal]
		if !ok {
			return ferrors.New(ferrors.PhasePlan, ferrors.KindInvalidModule).
				Detail("no exported function %q", req.Primal).Build()
		}
		bwdIdx, ok := p.Backward[primalIdx]
		if !ok {
			return ferrors.Internal(ferrors.PhasePlan,
				fmt.Sprintf("function %q has no backward pass", req.Primal))
		}
		m.Exports = append(m.Exports, wasm.Export{
			Name: req.Adjoint,
			Kind: wasm.KindFunc,
			Idx:  bwdIdx,
		})
	}

	// Tape pointers are observable so hosts can assert tape balance.
	for _, g := range []struct {
		name string
		idx  uint32
	}{
		{TapePointerAlign1, p.Ptr1},
		{TapePointerAlign4, p.Ptr4},
		{TapePointerAlign8, p.Ptr8},
	} {
		m.Exports = append(m.Exports, wasm.Export{Name: g.name, Kind: wasm.KindGlobal, Idx: g.idx})
	}

	if cfg.ShadowMemoryExport != "" {
		shadow, ok := p.ShadowMem[0]
		if !ok {
			return ferrors.New(ferrors.PhasePlan, ferrors.KindInvalidModule).
				Detail("shadow memory export requested but module has no memory").Build()
		}
		m.Exports = append(m.Exports, wasm.Export{
			Name: cfg.ShadowMemoryExport,
			Kind: wasm.KindMemory,
			Idx:  shadow,
		})
	}
	return nil
}

// extendNames preserves an existing name section and extends it with
// names for the synthesized entities.
func extendNames(m *wasm.Module, p *plan.Plan, numOriginal int) {
	var names *wasm.Names
	sectionIdx := -1
	for i := range m.CustomSections {
		if m.CustomSections[i].Name == "name" {
			names = wasm.DecodeNames(m.CustomSections[i].Data)
			sectionIdx = i
			break
		}
	}
	if names == nil {
		return
	}

	for orig, bwd := range p.Backward {
		if base, ok := names.Funcs[orig]; ok {
			names.Funcs[bwd] = base + "_bwd"
		}
	}
	for key, idx := range p.Helpers {
		names.Funcs[idx] = helperName(key)
	}
	for name, idx := range map[string]uint32{
		"tape_i32":     p.TapeI32,
		"tape_i32_bwd": p.TapeI32Bwd,
		"tape_f32":     p.TapeF32,
		"tape_f32_bwd": p.TapeF32Bwd,
		"tape_f64":     p.TapeF64,
		"tape_f64_bwd": p.TapeF64Bwd,
		"tape_u8":      p.TapeU8,
		"tape_u8_bwd":  p.TapeU8Bwd,
	} {
		names.Funcs[idx] = name
	}

	names.Memories[p.Tape1] = "tape_align_1"
	names.Memories[p.Tape4] = "tape_align_4"
	names.Memories[p.Tape8] = "tape_align_8"
	for user, shadow := range p.ShadowMem {
		if base, ok := names.Memories[user]; ok {
			names.Memories[shadow] = base + "_shadow"
		} else {
			names.Memories[shadow] = fmt.Sprintf("shadow%d", user)
		}
	}
	names.Globals[p.Ptr1] = "tape_align_1"
	names.Globals[p.Ptr4] = "tape_align_4"
	names.Globals[p.Ptr8] = "tape_align_8"
	for user, shadow := range p.ShadowGlobal {
		if base, ok := names.Globals[user]; ok {
			names.Globals[shadow] = base + "_shadow"
		}
	}

	m.CustomSections[sectionIdx].Data = names.Encode()
}

func helperName(key plan.HelperKey) string {
	var op string
	switch key.Op {
	case wasm.OpF32Mul, wasm.OpF64Mul:
		op = "mul"
	case wasm.OpF32Div, wasm.OpF64Div:
		op = "div"
	case wasm.OpF32Sqrt, wasm.OpF64Sqrt:
		op = "sqrt"
	case wasm.OpF32Min, wasm.OpF64Min:
		op = "min"
	case wasm.OpF32Max, wasm.OpF64Max:
		op = "max"
	case wasm.OpF32Copysign, wasm.OpF64Copysign:
		op = "copysign"
	case wasm.OpF32Abs, wasm.OpF64Abs:
		op = "abs"
	case wasm.OpSelect:
		op = "select"
	default:
		op = fmt.Sprintf("op%02x", key.Op)
	}
	name := key.Type.String() + "_" + op
	if !key.Fwd {
		name += "_bwd"
	}
	return name
}
