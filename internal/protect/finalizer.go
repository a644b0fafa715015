package protect

import (
	"github.com/mreshboboyev/goprotect/internal/moduleir"
	"github.com/mreshboboyev/goprotect/internal/moduleio"
)

// Finalizer performs the two-pass simplify-then-optimise sweep every
// protection run ends with, then hands the module to a Codec for
// writing — the step spec.md calls out as always running regardless of
// which passes above it were enabled or skipped.
type Finalizer struct {
	Codec moduleio.Codec
}

// NewFinalizer returns a Finalizer backed by the default binary codec.
func NewFinalizer() *Finalizer {
	return &Finalizer{Codec: moduleio.NewBinaryCodec()}
}

// Finalize simplifies every method body's branches, strips debug symbols
// if the configuration asks for it, and writes the module to outputPath.
func (f *Finalizer) Finalize(module *moduleir.Module, stripDebugSymbols bool, outputPath string) error {
	for _, m := range module.AllMethods() {
		if m.Body == nil {
			continue
		}
		shortenBranches(m.Body)
		coalesceRedundantInstructions(m.Body)
	}
	if stripDebugSymbols {
		stripDebugAttributes(module)
	}
	return f.Codec.Write(module, outputPath)
}

// shortenBranches is a no-op at this abstraction level: goprotect's
// Instruction operands hold pointer identity rather than an
// encoded byte-offset jump distance, so there is no "long form vs short
// form" representation to collapse the way a real IL assembler would.
// The hook stays in place because a future Codec with an offset-based
// wire format would need exactly this pass between in-memory mutation
// and serialization.
func shortenBranches(*moduleir.MethodBody) {}

// coalesceRedundantInstructions drops OpNop instructions a pass may have
// left behind as a cheap placeholder for a removed instruction, provided
// doing so would not orphan a branch target or exception-region boundary.
func coalesceRedundantInstructions(body *moduleir.MethodBody) {
	referenced := make(map[*moduleir.Instruction]bool)
	for _, ins := range body.Instructions {
		for _, t := range ins.Targets() {
			referenced[t] = true
		}
	}
	for _, r := range body.ExceptionRegions {
		referenced[r.TryStart] = true
		referenced[r.TryEnd] = true
		referenced[r.HandlerStart] = true
		referenced[r.HandlerEnd] = true
	}

	kept := make([]*moduleir.Instruction, 0, len(body.Instructions))
	for _, ins := range body.Instructions {
		if ins.Opcode == moduleir.OpNop && !referenced[ins] {
			continue
		}
		kept = append(kept, ins)
	}
	body.Instructions = kept
}

func stripDebugAttributes(module *moduleir.Module) {
	isDebugAttr := func(a moduleir.CustomAttribute) bool {
		return a.TypeName == "DebuggableAttribute" || a.TypeName == "DebuggerStepThroughAttribute"
	}
	filter := func(attrs []moduleir.CustomAttribute) []moduleir.CustomAttribute {
		kept := attrs[:0:0]
		for _, a := range attrs {
			if !isDebugAttr(a) {
				kept = append(kept, a)
			}
		}
		return kept
	}
	module.Attributes = filter(module.Attributes)
	for _, t := range module.AllTypes() {
		t.Attributes = filter(t.Attributes)
		for _, m := range t.Methods {
			m.Attributes = filter(m.Attributes)
		}
	}
}
