package moduleio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mreshboboyev/goprotect/internal/moduleir"
)

// buildSampleModule constructs a small but structurally rich module: two
// types, a field, a branch, a switch, a MemberRef call, ciphertext on an
// instruction, key material on a type, and an exception region — enough
// surface to exercise every operand tag the codec supports.
func buildSampleModule() *moduleir.Module {
	global := &moduleir.TypeDef{Name: "<Module>", Flags: moduleir.TypeFlagGlobal}

	decryptor := &moduleir.TypeDef{
		Name:        "<StringDecryptor>",
		KeyMaterial: []byte{0xAA, 0xBB, 0xCC},
	}
	decryptMethod := &moduleir.MethodDef{
		Name:   "Decrypt",
		Owner:  decryptor,
		Flags:  moduleir.MethodFlagStatic,
		Body:   &moduleir.MethodBody{Instructions: []*moduleir.Instruction{{Opcode: moduleir.OpReturn}}},
	}
	decryptor.Methods = []*moduleir.MethodDef{decryptMethod}

	field := &moduleir.FieldDef{Name: "_key", TypeName: "byte[]", Static: true}
	decryptor.Fields = []*moduleir.FieldDef{field}
	field.Owner = decryptor

	target := &moduleir.Instruction{Opcode: moduleir.OpNop}
	call := &moduleir.Instruction{
		Opcode:     moduleir.OpCall,
		Operand:    &moduleir.MemberRef{Type: decryptor, Method: decryptMethod, Field: field},
		CipherText: []byte{1, 2, 3, 4},
	}
	branch := &moduleir.Instruction{Opcode: moduleir.OpBranch, Operand: target}
	swTarget1 := &moduleir.Instruction{Opcode: moduleir.OpNop}
	swTarget2 := &moduleir.Instruction{Opcode: moduleir.OpReturn}
	sw := &moduleir.Instruction{Opcode: moduleir.OpSwitch, Operand: []*moduleir.Instruction{swTarget1, swTarget2}}
	ret := &moduleir.Instruction{Opcode: moduleir.OpReturn}

	mainBody := &moduleir.MethodBody{
		Instructions: []*moduleir.Instruction{call, branch, target, sw, swTarget1, swTarget2, ret},
		Locals:       []*moduleir.LocalVar{{Index: 0, TypeName: "int32", Pinned: false}},
		MaxStack:     4,
		ExceptionRegions: []*moduleir.ExceptionRegion{
			{TryStart: call, TryEnd: branch, HandlerStart: target, HandlerEnd: ret, Kind: moduleir.ExceptionRegionFinally},
		},
	}
	mainMethod := &moduleir.MethodDef{
		Name:  "Main",
		Owner: global,
		Flags: moduleir.MethodFlagEntryPoint | moduleir.MethodFlagStatic,
		Body:  mainBody,
		Attributes: []moduleir.CustomAttribute{
			{TypeName: "ProtectedByAttribute", Arguments: []string{"goprotect", "passes=3"}},
		},
	}
	global.Methods = []*moduleir.MethodDef{mainMethod}

	return &moduleir.Module{
		Name:       "Sample.exe",
		GlobalType: global,
		Types:      []*moduleir.TypeDef{decryptor},
		EntryPoint: mainMethod,
		Attributes: []moduleir.CustomAttribute{
			{TypeName: "ProtectedByAttribute", Arguments: []string{"goprotect", "passes=3"}},
		},
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	module := buildSampleModule()
	path := filepath.Join(t.TempDir(), "sample.gpm")

	codec := NewBinaryCodec()
	require.NoError(t, codec.Write(module, path))

	loaded, err := codec.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Sample.exe", loaded.Name)
	require.NotNil(t, loaded.GlobalType)
	require.Len(t, loaded.Types, 1)

	decryptor := loaded.Types[0]
	assert.Equal(t, "<StringDecryptor>", decryptor.Name)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, decryptor.KeyMaterial)
	require.Len(t, decryptor.Methods, 1)
	assert.Equal(t, "Decrypt", decryptor.Methods[0].Name)
	require.Len(t, decryptor.Fields, 1)
	assert.Equal(t, "_key", decryptor.Fields[0].Name)
	assert.Same(t, decryptor, decryptor.Fields[0].Owner)

	require.NotNil(t, loaded.EntryPoint)
	assert.Equal(t, "Main", loaded.EntryPoint.Name)
	assert.Same(t, loaded.EntryPoint, loaded.GlobalType.Methods[0])

	body := loaded.EntryPoint.Body
	require.NotNil(t, body)
	require.Len(t, body.Instructions, 7)
	assert.Equal(t, 4, body.MaxStack)
	require.Len(t, body.Locals, 1)
	assert.Equal(t, 0, body.Locals[0].Index)

	call := body.Instructions[0]
	assert.Equal(t, moduleir.OpCall, call.Opcode)
	assert.Equal(t, []byte{1, 2, 3, 4}, call.CipherText)
	ref, ok := call.Operand.(*moduleir.MemberRef)
	require.True(t, ok)
	assert.Same(t, decryptor, ref.Type)
	assert.Same(t, decryptor.Methods[0], ref.Method)
	assert.Same(t, decryptor.Fields[0], ref.Field)

	branch := body.Instructions[1]
	branchTarget, ok := branch.Operand.(*moduleir.Instruction)
	require.True(t, ok)
	assert.Same(t, body.Instructions[2], branchTarget, "branch must repoint at the loaded target instruction, not a stale pointer")

	sw := body.Instructions[3]
	swTargets, ok := sw.Operand.([]*moduleir.Instruction)
	require.True(t, ok)
	require.Len(t, swTargets, 2)
	assert.Same(t, body.Instructions[4], swTargets[0])
	assert.Same(t, body.Instructions[5], swTargets[1])

	require.Len(t, body.ExceptionRegions, 1)
	region := body.ExceptionRegions[0]
	assert.Same(t, call, region.TryStart)
	assert.Same(t, branch, region.TryEnd)
	assert.Same(t, body.Instructions[2], region.HandlerStart)
	assert.Same(t, body.Instructions[6], region.HandlerEnd)
	assert.Equal(t, moduleir.ExceptionRegionFinally, region.Kind)

	require.Len(t, loaded.Attributes, 1)
	assert.Equal(t, "ProtectedByAttribute", loaded.Attributes[0].TypeName)
	assert.Equal(t, []string{"goprotect", "passes=3"}, loaded.Attributes[0].Arguments)
}

func TestBinaryCodecRoundTripsPrimitiveOperandKinds(t *testing.T) {
	instrs := []*moduleir.Instruction{
		{Opcode: moduleir.OpLoadConst, Operand: int64(42)},
		{Opcode: moduleir.OpLoadConst, Operand: 3.5},
		{Opcode: moduleir.OpLoadConst, Operand: true},
		{Opcode: moduleir.OpLoadConst, Operand: false},
		{Opcode: moduleir.OpLoadString, Operand: "hello"},
		{Opcode: moduleir.OpNop, Operand: nil},
		{Opcode: moduleir.OpReturn},
	}
	global := &moduleir.TypeDef{Name: "<Module>", Flags: moduleir.TypeFlagGlobal}
	method := &moduleir.MethodDef{Name: "Run", Owner: global, Body: &moduleir.MethodBody{Instructions: instrs}}
	global.Methods = []*moduleir.MethodDef{method}
	module := &moduleir.Module{Name: "Prims.exe", GlobalType: global, EntryPoint: method}

	path := filepath.Join(t.TempDir(), "prims.gpm")
	codec := NewBinaryCodec()
	require.NoError(t, codec.Write(module, path))

	loaded, err := codec.Load(path)
	require.NoError(t, err)

	body := loaded.EntryPoint.Body
	require.Len(t, body.Instructions, 7)
	assert.Equal(t, int64(42), body.Instructions[0].Operand)
	assert.Equal(t, 3.5, body.Instructions[1].Operand)
	assert.Equal(t, true, body.Instructions[2].Operand)
	assert.Equal(t, false, body.Instructions[3].Operand)
	assert.Equal(t, "hello", body.Instructions[4].Operand)
	assert.Nil(t, body.Instructions[5].Operand)
}

func TestLoadRejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gpm")
	require.NoError(t, os.WriteFile(path, []byte("NOPE1234"), 0644))

	_, err := NewBinaryCodec().Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := NewBinaryCodec().Load(filepath.Join(t.TempDir(), "missing.gpm"))
	assert.Error(t, err)
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "futuristic.gpm")
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, 0, 0, 0, 99) // version 99, big-endian u32
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err := NewBinaryCodec().Load(path)
	assert.Error(t, err)
}
