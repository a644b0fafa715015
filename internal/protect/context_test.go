package protect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mreshboboyev/goprotect/internal/config"
	"github.com/mreshboboyev/goprotect/internal/moduleir"
)

func TestRenameMap(t *testing.T) {
	m := NewRenameMap()
	_, ok := m.Lookup("Foo")
	assert.False(t, ok)

	m.Set("Foo", "aB3x")
	minted, ok := m.Lookup("Foo")
	require.True(t, ok)
	assert.Equal(t, "aB3x", minted)

	assert.Equal(t, map[string]string{"Foo": "aB3x"}, m.Entries())
}

func TestEncryptedStringRegistry(t *testing.T) {
	r := NewEncryptedStringRegistry()
	instr := &moduleir.Instruction{Opcode: moduleir.OpLoadString, Operand: "secret"}

	assert.False(t, r.IsEncrypted(instr))
	r.MarkEncrypted(instr)
	assert.True(t, r.IsEncrypted(instr))

	other := &moduleir.Instruction{Opcode: moduleir.OpLoadString, Operand: "secret"}
	assert.False(t, r.IsEncrypted(other), "registry keys by instruction identity, not operand value")
}

func TestContextMarkAndWasApplied(t *testing.T) {
	ctx := NewContext(&moduleir.Module{}, &config.Config{})
	assert.False(t, ctx.WasApplied("renaming"))

	ctx.MarkApplied("renaming")
	assert.True(t, ctx.WasApplied("renaming"))
	assert.Contains(t, ctx.AppliedPasses(), "renaming")
}

type fakeService struct{ value int }

func TestServiceRegistry(t *testing.T) {
	ctx := NewContext(&moduleir.Module{}, &config.Config{})

	assert.False(t, HasService[fakeService](ctx))
	_, ok := GetService[fakeService](ctx)
	assert.False(t, ok)

	RegisterService(ctx, fakeService{value: 7})
	assert.True(t, HasService[fakeService](ctx))

	svc, ok := GetService[fakeService](ctx)
	require.True(t, ok)
	assert.Equal(t, 7, svc.value)
}

func TestContextForkIsolatesAppliedAndServicesButSharesModuleAndRenames(t *testing.T) {
	module := &moduleir.Module{Name: "Shared"}
	parent := NewContext(module, &config.Config{})
	parent.MarkApplied("renaming")
	RegisterService(parent, fakeService{value: 1})
	parent.RenameMap().Set("Foo", "xx")

	child := parent.Fork()

	assert.Same(t, parent.Module, child.Module)
	assert.Same(t, parent.RenameMap(), child.RenameMap())
	assert.Same(t, parent.StringRegistry(), child.StringRegistry())

	// Independent applied-pass bookkeeping.
	child.MarkApplied("string_encryption")
	assert.True(t, child.WasApplied("renaming"))
	assert.True(t, child.WasApplied("string_encryption"))
	assert.False(t, parent.WasApplied("string_encryption"), "marking a pass applied on the fork must not leak back to the parent")

	// Independent service registry (shallow-copied at fork time).
	RegisterService(child, fakeService{value: 2})
	parentSvc, _ := GetService[fakeService](parent)
	childSvc, _ := GetService[fakeService](child)
	assert.Equal(t, 1, parentSvc.value)
	assert.Equal(t, 2, childSvc.value)

	// Rename map is shared, so changes on either side are visible to both.
	minted, ok := child.RenameMap().Lookup("Foo")
	require.True(t, ok)
	assert.Equal(t, "xx", minted)
}
