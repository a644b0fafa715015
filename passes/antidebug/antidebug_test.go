package antidebug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mreshboboyev/goprotect/internal/config"
	"github.com/mreshboboyev/goprotect/internal/moduleir"
	"github.com/mreshboboyev/goprotect/internal/protect"
	"github.com/mreshboboyev/goprotect/internal/random"
)

func newTestContext(module *moduleir.Module) *protect.Context {
	cfg := config.DefaultConfig()
	return protect.NewContext(module, cfg)
}

func bodyOfLen(n int) *moduleir.MethodBody {
	instrs := make([]*moduleir.Instruction, n)
	for i := 0; i < n-1; i++ {
		instrs[i] = &moduleir.Instruction{Opcode: moduleir.OpNop}
	}
	instrs[n-1] = &moduleir.Instruction{Opcode: moduleir.OpReturn}
	return &moduleir.MethodBody{Instructions: instrs}
}

func TestCanApply(t *testing.T) {
	p := New(random.NewSeeded(1))
	assert.True(t, p.CanApply(&moduleir.Module{EntryPoint: &moduleir.MethodDef{}}))

	m := &moduleir.MethodDef{Name: "Any"}
	assert.True(t, p.CanApply(&moduleir.Module{GlobalType: &moduleir.TypeDef{Methods: []*moduleir.MethodDef{m}}}))

	assert.False(t, p.CanApply(&moduleir.Module{}))
}

func TestInjectProbeTypeIsIdempotent(t *testing.T) {
	module := &moduleir.Module{}
	probeType, check := injectProbeType(module)

	require.Len(t, module.Types, 1)
	assert.Equal(t, probeTypeName, probeType.Name)
	assert.Equal(t, "Check", check.Name)

	again, checkAgain := injectProbeType(module)
	assert.Same(t, probeType, again)
	assert.Same(t, check, checkAgain)
	assert.Len(t, module.Types, 1, "calling injectProbeType twice must not duplicate the type")
}

func TestInjectProbeTypeChainsAllTenChecks(t *testing.T) {
	module := &moduleir.Module{}
	probeType, check := injectProbeType(module)

	names := make(map[string]bool)
	for _, m := range probeType.Methods {
		names[m.Name] = true
	}
	for _, want := range []string{
		"Check",
		"IsDebuggerPresent",
		"ManagedDebuggerAttached",
		"PebBeingDebuggedFlag",
		"HeapFlagAnomaly",
		"OutputDebugStringTrick",
		"TrapFlagAnomaly",
		"ParentProcessMismatch",
		"TimingAnomaly",
		"EnvironmentArtefacts",
		"ChecksumMismatch",
		"Corrupt",
	} {
		assert.True(t, names[want], "missing probe method %s", want)
	}

	var calls int
	for _, ins := range check.Body.Instructions {
		if ins.Opcode == moduleir.OpCall {
			if ref, ok := ins.Operand.(*moduleir.MemberRef); ok && ref.Method.Name != "Corrupt" {
				calls++
			}
		}
	}
	assert.Equal(t, 10, calls, "Check must call every one of the ten probe methods")
}

func TestPrependCallInsertsCallAtFront(t *testing.T) {
	probeType := &moduleir.TypeDef{Name: probeTypeName}
	checkMethod := &moduleir.MethodDef{Name: "Check"}
	m := &moduleir.MethodDef{Name: "DoWork", Body: &moduleir.MethodBody{
		Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}},
	}}

	prependCall(m, probeType, checkMethod)

	require.Len(t, m.Body.Instructions, 2)
	assert.Equal(t, moduleir.OpCall, m.Body.Instructions[0].Opcode)
	ref, ok := m.Body.Instructions[0].Operand.(*moduleir.MemberRef)
	require.True(t, ok)
	assert.Same(t, checkMethod, ref.Method)
}

func TestPrependCallIgnoresNilAndSpecialMethods(t *testing.T) {
	probeType := &moduleir.TypeDef{Name: probeTypeName}
	checkMethod := &moduleir.MethodDef{Name: "Check"}

	assert.NotPanics(t, func() { prependCall(nil, probeType, checkMethod) })

	noBody := &moduleir.MethodDef{Name: "Abstract", Body: nil}
	prependCall(noBody, probeType, checkMethod) // must not panic

	special := &moduleir.MethodDef{
		Name:  "get_X",
		Flags: moduleir.MethodFlagSpecial,
		Body:  &moduleir.MethodBody{Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}}},
	}
	prependCall(special, probeType, checkMethod)
	assert.Len(t, special.Body.Instructions, 1, "special accessor methods are never probed")
}

func TestScatterRechecksInsertsEveryIntervalButSkipsTerminatorsAndBoundaries(t *testing.T) {
	probeType := &moduleir.TypeDef{Name: probeTypeName}
	checkMethod := &moduleir.MethodDef{Name: "Check"}

	body := bodyOfLen(recheckInterval * 2)
	m := &moduleir.MethodDef{Name: "Long", Body: body}

	scatterRechecks(m, probeType, checkMethod)

	var probeCalls int
	for _, ins := range m.Body.Instructions {
		if ins.Opcode == moduleir.OpCall {
			probeCalls++
		}
	}
	assert.GreaterOrEqual(t, probeCalls, 1)

	last := m.Body.Instructions[len(m.Body.Instructions)-1]
	assert.Equal(t, moduleir.OpReturn, last.Opcode, "a recheck is never inserted after the terminator")
}

func TestScatterRechecksNeverSplitsAnExceptionRegionBoundary(t *testing.T) {
	probeType := &moduleir.TypeDef{Name: probeTypeName}
	checkMethod := &moduleir.MethodDef{Name: "Check"}

	body := bodyOfLen(recheckInterval + 5)
	tryStart := body.Instructions[recheckInterval] // lands exactly where a recheck would otherwise be inserted
	body.ExceptionRegions = []*moduleir.ExceptionRegion{
		{TryStart: tryStart, TryEnd: tryStart, HandlerStart: tryStart, HandlerEnd: tryStart},
	}
	m := &moduleir.MethodDef{Name: "Guarded", Body: body}

	scatterRechecks(m, probeType, checkMethod)

	idx := -1
	for i, ins := range m.Body.Instructions {
		if ins == tryStart {
			idx = i
			break
		}
	}
	require.NotEqual(t, -1, idx)
	if idx > 0 {
		assert.NotEqual(t, moduleir.OpCall, m.Body.Instructions[idx-1].Opcode,
			"a probe call must not be inserted immediately before an exception region boundary instruction landing on the interval")
	}
}

func TestApplyProbesStaticInitializerUnconditionally(t *testing.T) {
	entry := &moduleir.MethodDef{Name: "Main", Body: &moduleir.MethodBody{
		Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}},
	}}
	module := &moduleir.Module{
		EntryPoint: entry,
		GlobalType: &moduleir.TypeDef{Methods: []*moduleir.MethodDef{entry}},
	}

	ctx := newTestContext(module)
	ctx.Config.Obfuscation.AntiDebug.InjectionProbability = 0 // force level-default, still unconditional for the static initializer

	p := New(random.NewSeeded(1))
	require.NoError(t, p.Apply(module, ctx))

	var cctor *moduleir.MethodDef
	for _, m := range module.GlobalType.Methods {
		if m.Name == staticInitializerName {
			cctor = m
		}
	}
	require.NotNil(t, cctor, "Apply must find-or-create the module's static initializer")
	assert.Equal(t, moduleir.OpCall, cctor.Body.Instructions[0].Opcode)
}

func TestFindOrCreateStaticInitializerReusesExistingCctor(t *testing.T) {
	existing := &moduleir.MethodDef{Name: staticInitializerName, Body: &moduleir.MethodBody{
		Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}},
	}}
	module := &moduleir.Module{GlobalType: &moduleir.TypeDef{Methods: []*moduleir.MethodDef{existing}}}

	found := findOrCreateStaticInitializer(module)
	assert.Same(t, existing, found)
	assert.Len(t, module.GlobalType.Methods, 1, "must not synthesize a second static initializer")
}

func TestFindOrCreateStaticInitializerSynthesizesGlobalTypeWhenMissing(t *testing.T) {
	module := &moduleir.Module{}

	cctor := findOrCreateStaticInitializer(module)

	require.NotNil(t, module.GlobalType)
	assert.Equal(t, staticInitializerName, cctor.Name)
	assert.Contains(t, module.GlobalType.Methods, cctor)
}

func TestApplyInjectsExactlyOneProbeType(t *testing.T) {
	m1 := &moduleir.MethodDef{Name: "A", Body: &moduleir.MethodBody{Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}}}}
	m2 := &moduleir.MethodDef{Name: "B", Body: &moduleir.MethodBody{Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}}}}
	module := &moduleir.Module{GlobalType: &moduleir.TypeDef{Methods: []*moduleir.MethodDef{m1, m2}}}

	ctx := newTestContext(module)
	ctx.Config.Obfuscation.AntiDebug.InjectionProbability = 100

	p := New(random.NewSeeded(1))
	require.NoError(t, p.Apply(module, ctx))

	count := 0
	for _, ty := range module.Types {
		if ty.Name == probeTypeName {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestApplyWithNonPositiveProbabilityFallsBackToLevelDefaultAndInjectsProbeType(t *testing.T) {
	m1 := &moduleir.MethodDef{Name: "A", Body: &moduleir.MethodBody{Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}}}}
	module := &moduleir.Module{GlobalType: &moduleir.TypeDef{Methods: []*moduleir.MethodDef{m1}}}

	ctx := newTestContext(module)
	ctx.Config.Level = config.LevelLight
	ctx.Config.Obfuscation.AntiDebug.InjectionProbability = -1 // falls back to level default, never literally 0

	p := New(random.NewSeeded(1))
	require.NoError(t, p.Apply(module, ctx))

	var probeType *moduleir.TypeDef
	for _, ty := range module.Types {
		if ty.Name == probeTypeName {
			probeType = ty
		}
	}
	require.NotNil(t, probeType)
}

func TestApplySkipsProbeTypesOwnMethods(t *testing.T) {
	module := &moduleir.Module{}
	ctx := newTestContext(module)
	ctx.Config.Obfuscation.AntiDebug.InjectionProbability = 100

	p := New(random.NewSeeded(1))
	require.NoError(t, p.Apply(module, ctx))

	var probeType *moduleir.TypeDef
	for _, ty := range module.Types {
		if ty.Name == probeTypeName {
			probeType = ty
		}
	}
	require.NotNil(t, probeType)

	for _, m := range probeType.Methods {
		if m.Body == nil {
			continue
		}
		if len(m.Body.Instructions) > 0 {
			ref, ok := m.Body.Instructions[0].Operand.(*moduleir.MemberRef)
			if ok {
				assert.NotEqual(t, "Check", ref.Method.Name, "the probe type's own methods must not recursively call Check")
			}
		}
	}
}
