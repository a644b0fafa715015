// Package watermark implements the watermarking pass: it stamps one
// custom attribute onto the module carrying a fixed marker string and a
// build tag, so a protected module can be attributed to a specific
// protection run without touching any executable code.
package watermark

import (
	"fmt"

	"github.com/mreshboboyev/goprotect/internal/moduleir"
	"github.com/mreshboboyev/goprotect/internal/protect"
)

const ID = "watermark"

const attributeTypeName = "ProtectedByAttribute"

// Pass implements protect.Pass for watermarking.
type Pass struct{}

// New returns a watermark Pass.
func New() *Pass { return &Pass{} }

func (p *Pass) ID() string              { return ID }
func (p *Pass) Name() string            { return "Watermark" }
func (p *Pass) Priority() int           { return 10 } // last: lowest Priority schedules last
func (p *Pass) Dependencies() []string  { return nil }
func (p *Pass) ConflictsWith() []string { return nil }

func (p *Pass) CanApply(module *moduleir.Module) bool { return module != nil }

func (p *Pass) Apply(module *moduleir.Module, ctx *protect.Context) error {
	cfg := ctx.Config.Obfuscation.Watermark
	marker := cfg.Marker
	if marker == "" {
		marker = "goprotect"
	}

	for _, a := range module.Attributes {
		if a.TypeName == attributeTypeName {
			return nil // already watermarked, leave the existing stamp alone
		}
	}

	tag := buildTag(ctx.AppliedPasses())
	module.Attributes = append(module.Attributes, moduleir.CustomAttribute{
		TypeName:  attributeTypeName,
		Arguments: []string{marker, tag},
	})
	return nil
}

// buildTag derives a reproducible build tag from the set of passes
// applied before watermarking ran, rather than a timestamp, so two runs
// over the same input with the same configuration and seed produce
// byte-identical output — the protection run's own determinism promise
// extends to its own watermark.
func buildTag(appliedPasses []string) string {
	return fmt.Sprintf("passes=%d", len(appliedPasses))
}
