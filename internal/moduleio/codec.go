// Package moduleio implements the one external collaborator spec.md
// treats as a black box: loading a module file into the in-memory graph
// defined by internal/moduleir, and writing a mutated graph back out.
//
// No published Go package models this repository's bespoke
// metadata-graph-plus-bytecode container, so unlike every other
// ambient/domain concern in this repository this one gets a small,
// from-scratch binary codec instead of a third-party library. The format
// is a flat, length-prefixed record stream over encoding/binary, the
// same low-level shape garble's own random-byte and key framing uses,
// generalized here into a two-pass writer: a metadata skeleton pass that
// assigns every type/method/field a stable arena index, followed by a
// body pass that encodes instruction operands as indices into that
// arena. Loading reverses the two passes, resolving indices back to
// pointers once every declaration exists.
package moduleio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/mreshboboyev/goprotect/internal/moduleir"
)

// Codec is the ModuleIO contract: load a module file into memory, and
// write a (possibly mutated) module back out to a path.
type Codec interface {
	Load(path string) (*moduleir.Module, error)
	Write(module *moduleir.Module, path string) error
}

const (
	magic         = "GPM1"
	formatVersion = uint32(1)
)

// BinaryCodec is the concrete, in-repo Codec implementation.
type BinaryCodec struct{}

// NewBinaryCodec returns the default Codec.
func NewBinaryCodec() *BinaryCodec { return &BinaryCodec{} }

// --- writing ---

type writer struct {
	w   *bufio.Writer
	err error

	typeIdx   map[*moduleir.TypeDef]uint32
	methodIdx map[*moduleir.MethodDef]uint32
	fieldIdx  map[*moduleir.FieldDef]uint32
}

func (cw *writer) fail(err error) {
	if cw.err == nil {
		cw.err = err
	}
}

func (cw *writer) u32(v uint32) {
	if cw.err != nil {
		return
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	if _, err := cw.w.Write(buf[:]); err != nil {
		cw.fail(err)
	}
}

func (cw *writer) i64(v int64) {
	cw.u32(uint32(v >> 32))
	cw.u32(uint32(v))
}

func (cw *writer) u8(v byte) {
	if cw.err != nil {
		return
	}
	if err := cw.w.WriteByte(v); err != nil {
		cw.fail(err)
	}
}

func (cw *writer) str(s string) {
	cw.u32(uint32(len(s)))
	if cw.err != nil {
		return
	}
	if _, err := cw.w.WriteString(s); err != nil {
		cw.fail(err)
	}
}

func (cw *writer) bytes(b []byte) {
	cw.u32(uint32(len(b)))
	if cw.err != nil {
		return
	}
	if _, err := cw.w.Write(b); err != nil {
		cw.fail(err)
	}
}

// Write encodes module to path as a skeleton pass followed by a body
// pass, per the package doc.
func (c *BinaryCodec) Write(module *moduleir.Module, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("moduleio: create %s: %w", path, err)
	}
	defer f.Close()

	cw := &writer{
		w:         bufio.NewWriter(f),
		typeIdx:   make(map[*moduleir.TypeDef]uint32),
		methodIdx: make(map[*moduleir.MethodDef]uint32),
		fieldIdx:  make(map[*moduleir.FieldDef]uint32),
	}

	if _, err := cw.w.WriteString(magic); err != nil {
		return fmt.Errorf("moduleio: write magic: %w", err)
	}
	cw.u32(formatVersion)
	cw.str(module.Name)

	allTypes := module.AllTypes()
	cw.u32(uint32(len(allTypes)))
	for i, t := range allTypes {
		cw.typeIdx[t] = uint32(i)
	}
	var allMethods []*moduleir.MethodDef
	var allFields []*moduleir.FieldDef
	// The declaring type each method/field is listed under is written as
	// its owner, so Load rebuilds every Methods/Fields slice as written.
	var methodOwners, fieldOwners []*moduleir.TypeDef
	for _, t := range allTypes {
		for _, m := range t.Methods {
			cw.methodIdx[m] = uint32(len(allMethods))
			allMethods = append(allMethods, m)
			methodOwners = append(methodOwners, t)
		}
		for _, f := range t.Fields {
			cw.fieldIdx[f] = uint32(len(allFields))
			allFields = append(allFields, f)
			fieldOwners = append(fieldOwners, t)
		}
	}

	for _, t := range allTypes {
		cw.writeTypeSkeleton(t)
	}
	cw.u32(uint32(len(allMethods)))
	for i, m := range allMethods {
		cw.writeMethodSkeleton(m, methodOwners[i])
	}
	cw.u32(uint32(len(allFields)))
	for i, fd := range allFields {
		cw.writeFieldSkeleton(fd, fieldOwners[i])
	}

	if module.EntryPoint != nil {
		cw.u8(1)
		cw.u32(cw.methodIdx[module.EntryPoint])
	} else {
		cw.u8(0)
	}
	cw.writeAttributes(module.Attributes)

	// Body pass: every method's instructions, now that every
	// type/method/field has a stable index to reference.
	for _, m := range allMethods {
		cw.writeBody(m.Body)
	}

	if cw.err != nil {
		return fmt.Errorf("moduleio: encode: %w", cw.err)
	}
	if err := cw.w.Flush(); err != nil {
		return fmt.Errorf("moduleio: flush %s: %w", path, err)
	}
	return nil
}

func (cw *writer) writeAttributes(attrs []moduleir.CustomAttribute) {
	cw.u32(uint32(len(attrs)))
	for _, a := range attrs {
		cw.str(a.TypeName)
		cw.u32(uint32(len(a.Arguments)))
		for _, arg := range a.Arguments {
			cw.str(arg)
		}
	}
}

func (cw *writer) typeRef(t *moduleir.TypeDef) {
	if t == nil {
		cw.u8(0)
		return
	}
	cw.u8(1)
	cw.u32(cw.typeIdx[t])
}

func (cw *writer) writeTypeSkeleton(t *moduleir.TypeDef) {
	cw.str(t.Namespace)
	cw.str(t.Name)
	cw.typeRef(t.Enclosing)
	cw.u32(uint32(t.Visibility))
	cw.u32(uint32(t.Flags))
	cw.u32(uint32(len(t.Implements)))
	for _, impl := range t.Implements {
		cw.typeRef(impl)
	}
	cw.writeAttributes(t.Attributes)
	cw.bytes(t.KeyMaterial)
}

func (cw *writer) writeMethodSkeleton(m *moduleir.MethodDef, owner *moduleir.TypeDef) {
	cw.str(m.Name)
	cw.str(m.Signature.ReturnType)
	cw.u32(uint32(len(m.Signature.ParamTypes)))
	for _, p := range m.Signature.ParamTypes {
		cw.str(p)
	}
	cw.u32(uint32(m.Visibility))
	cw.u32(uint32(m.Flags))
	cw.typeRef(owner)
	cw.writeAttributes(m.Attributes)
	if m.Body != nil {
		cw.u8(1)
	} else {
		cw.u8(0)
	}
}

func (cw *writer) writeFieldSkeleton(fd *moduleir.FieldDef, owner *moduleir.TypeDef) {
	cw.str(fd.Name)
	cw.str(fd.TypeName)
	cw.u32(uint32(fd.Visibility))
	if fd.Static {
		cw.u8(1)
	} else {
		cw.u8(0)
	}
	cw.typeRef(owner)
	cw.writeAttributes(fd.Attributes)
}

func (cw *writer) writeBody(b *moduleir.MethodBody) {
	if b == nil {
		return
	}
	instrIdx := make(map[*moduleir.Instruction]uint32, len(b.Instructions))
	for i, ins := range b.Instructions {
		instrIdx[ins] = uint32(i)
	}

	cw.u32(uint32(b.MaxStack))
	cw.u32(uint32(len(b.Locals)))
	for _, l := range b.Locals {
		cw.u32(uint32(l.Index))
		cw.str(l.TypeName)
		if l.Pinned {
			cw.u8(1)
		} else {
			cw.u8(0)
		}
	}

	cw.u32(uint32(len(b.Instructions)))
	for _, ins := range b.Instructions {
		cw.str(string(ins.Opcode))
		cw.writeOperand(ins.Operand, instrIdx)
		cw.bytes(ins.CipherText)
	}

	cw.u32(uint32(len(b.ExceptionRegions)))
	for _, r := range b.ExceptionRegions {
		cw.instrRef(r.TryStart, instrIdx)
		cw.instrRef(r.TryEnd, instrIdx)
		cw.instrRef(r.HandlerStart, instrIdx)
		cw.instrRef(r.HandlerEnd, instrIdx)
		cw.str(r.FilterType)
		cw.u32(uint32(r.Kind))
	}
}

func (cw *writer) instrRef(ins *moduleir.Instruction, idx map[*moduleir.Instruction]uint32) {
	if ins == nil {
		cw.u8(0)
		return
	}
	cw.u8(1)
	cw.u32(idx[ins])
}

// operand kind tags, written as a single byte ahead of the payload.
const (
	operandNil byte = iota
	operandInt64
	operandFloat64
	operandBool
	operandString
	operandMemberRef
	operandInstrTarget
	operandInstrTargets
)

func (cw *writer) writeOperand(op any, idx map[*moduleir.Instruction]uint32) {
	switch v := op.(type) {
	case nil:
		cw.u8(operandNil)
	case int64:
		cw.u8(operandInt64)
		cw.i64(v)
	case int:
		cw.u8(operandInt64)
		cw.i64(int64(v))
	case float64:
		cw.u8(operandFloat64)
		cw.i64(int64(math.Float64bits(v)))
	case bool:
		cw.u8(operandBool)
		if v {
			cw.u8(1)
		} else {
			cw.u8(0)
		}
	case string:
		cw.u8(operandString)
		cw.str(v)
	case *moduleir.MemberRef:
		cw.u8(operandMemberRef)
		cw.typeRef(v.Type)
		if v.Method != nil {
			cw.u8(1)
			cw.u32(cw.methodIdx[v.Method])
		} else {
			cw.u8(0)
		}
		if v.Field != nil {
			cw.u8(1)
			cw.u32(cw.fieldIdx[v.Field])
		} else {
			cw.u8(0)
		}
	case *moduleir.Instruction:
		cw.u8(operandInstrTarget)
		cw.u32(idx[v])
	case []*moduleir.Instruction:
		cw.u8(operandInstrTargets)
		cw.u32(uint32(len(v)))
		for _, t := range v {
			cw.u32(idx[t])
		}
	default:
		cw.fail(fmt.Errorf("moduleio: unsupported operand type %T", v))
	}
}

// --- reading ---

type reader struct {
	r   *bufio.Reader
	err error

	types   []*moduleir.TypeDef
	methods []*moduleir.MethodDef
	fields  []*moduleir.FieldDef
}

func (cr *reader) fail(err error) {
	if cr.err == nil && err != nil {
		cr.err = err
	}
}

func (cr *reader) u8() byte {
	if cr.err != nil {
		return 0
	}
	b, err := cr.r.ReadByte()
	cr.fail(err)
	return b
}

func (cr *reader) u32() uint32 {
	if cr.err != nil {
		return 0
	}
	var buf [4]byte
	if _, err := io.ReadFull(cr.r, buf[:]); err != nil {
		cr.fail(err)
		return 0
	}
	return binary.BigEndian.Uint32(buf[:])
}

func (cr *reader) i64() int64 {
	hi := cr.u32()
	lo := cr.u32()
	return int64(hi)<<32 | int64(lo)
}

func (cr *reader) str() string {
	n := cr.u32()
	if cr.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(cr.r, buf); err != nil {
		cr.fail(err)
		return ""
	}
	return string(buf)
}

func (cr *reader) bytesField() []byte {
	n := cr.u32()
	if cr.err != nil || n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(cr.r, buf); err != nil {
		cr.fail(err)
		return nil
	}
	return buf
}

func (cr *reader) typeRef() *moduleir.TypeDef {
	has := cr.u8()
	if has == 0 || cr.err != nil {
		return nil
	}
	i := cr.u32()
	if int(i) >= len(cr.types) {
		cr.fail(fmt.Errorf("moduleio: type index %d out of range", i))
		return nil
	}
	return cr.types[i]
}

func (cr *reader) attributes() []moduleir.CustomAttribute {
	n := cr.u32()
	if cr.err != nil {
		return nil
	}
	out := make([]moduleir.CustomAttribute, n)
	for i := range out {
		out[i].TypeName = cr.str()
		argc := cr.u32()
		out[i].Arguments = make([]string, argc)
		for j := range out[i].Arguments {
			out[i].Arguments[j] = cr.str()
		}
	}
	return out
}

// Load decodes a module file produced by Write.
func (c *BinaryCodec) Load(path string) (*moduleir.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("moduleio: open %s: %w", path, err)
	}
	defer f.Close()

	cr := &reader{r: bufio.NewReader(f)}

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(cr.r, magicBuf); err != nil {
		return nil, fmt.Errorf("moduleio: read magic: %w", err)
	}
	if string(magicBuf) != magic {
		return nil, fmt.Errorf("moduleio: %s is not a goprotect module file", path)
	}
	version := cr.u32()
	if version != formatVersion {
		return nil, fmt.Errorf("moduleio: unsupported format version %d", version)
	}

	module := &moduleir.Module{Name: cr.str()}

	typeCount := cr.u32()
	cr.types = make([]*moduleir.TypeDef, typeCount)
	for i := range cr.types {
		cr.types[i] = &moduleir.TypeDef{}
	}

	// First sub-pass: populate every TypeDef's scalar fields and its
	// Enclosing/Implements references, which only need other TypeDefs to
	// already exist (they do, as empty shells, from the loop above).
	for i := uint32(0); i < typeCount; i++ {
		cr.readTypeSkeleton(cr.types[i])
	}

	methodCount := cr.u32()
	cr.methods = make([]*moduleir.MethodDef, methodCount)
	for i := range cr.methods {
		cr.methods[i] = &moduleir.MethodDef{}
	}
	hasBody := make([]bool, methodCount)
	for i := uint32(0); i < methodCount; i++ {
		hasBody[i] = cr.readMethodSkeleton(cr.methods[i])
	}

	fieldCount := cr.u32()
	cr.fields = make([]*moduleir.FieldDef, fieldCount)
	for i := range cr.fields {
		cr.fields[i] = &moduleir.FieldDef{}
	}
	for i := uint32(0); i < fieldCount; i++ {
		cr.readFieldSkeleton(cr.fields[i])
	}

	// Second sub-pass: wire each type's Methods/Fields slices now that the
	// method/field arenas exist, by owner back-reference.
	byOwner := make(map[*moduleir.TypeDef][]*moduleir.MethodDef)
	for _, m := range cr.methods {
		byOwner[m.Owner] = append(byOwner[m.Owner], m)
	}
	fieldsByOwner := make(map[*moduleir.TypeDef][]*moduleir.FieldDef)
	for _, fd := range cr.fields {
		fieldsByOwner[fd.Owner] = append(fieldsByOwner[fd.Owner], fd)
	}
	for _, t := range cr.types {
		t.Methods = byOwner[t]
		t.Fields = fieldsByOwner[t]
	}

	if cr.u8() == 1 {
		i := cr.u32()
		if int(i) < len(cr.methods) {
			module.EntryPoint = cr.methods[i]
		}
	}
	module.Attributes = cr.attributes()

	for i := uint32(0); i < methodCount; i++ {
		if hasBody[i] {
			cr.methods[i].Body = cr.readBody()
		}
	}

	// Partition types into module.Types / module.GlobalType by flag, the
	// inverse of moduleir.Module.AllTypes.
	for _, t := range cr.types {
		if t.Flags&moduleir.TypeFlagGlobal != 0 {
			module.GlobalType = t
		} else {
			module.Types = append(module.Types, t)
		}
	}

	if cr.err != nil {
		return nil, fmt.Errorf("moduleio: decode %s: %w", path, cr.err)
	}
	return module, nil
}

func (cr *reader) readTypeSkeleton(t *moduleir.TypeDef) {
	t.Namespace = cr.str()
	t.Name = cr.str()
	t.Enclosing = cr.typeRef()
	t.Visibility = moduleir.Visibility(cr.u32())
	t.Flags = moduleir.TypeFlags(cr.u32())
	n := cr.u32()
	t.Implements = make([]*moduleir.TypeDef, n)
	for i := range t.Implements {
		t.Implements[i] = cr.typeRef()
	}
	t.Attributes = cr.attributes()
	t.KeyMaterial = cr.bytesField()
}

func (cr *reader) readMethodSkeleton(m *moduleir.MethodDef) bool {
	m.Name = cr.str()
	m.Signature.ReturnType = cr.str()
	n := cr.u32()
	m.Signature.ParamTypes = make([]string, n)
	for i := range m.Signature.ParamTypes {
		m.Signature.ParamTypes[i] = cr.str()
	}
	m.Visibility = moduleir.Visibility(cr.u32())
	m.Flags = moduleir.MethodFlags(cr.u32())
	m.Owner = cr.typeRef()
	m.Attributes = cr.attributes()
	return cr.u8() == 1
}

func (cr *reader) readFieldSkeleton(fd *moduleir.FieldDef) {
	fd.Name = cr.str()
	fd.TypeName = cr.str()
	fd.Visibility = moduleir.Visibility(cr.u32())
	fd.Static = cr.u8() == 1
	fd.Owner = cr.typeRef()
	fd.Attributes = cr.attributes()
}

func (cr *reader) instrRefInto(targets []*moduleir.Instruction) *moduleir.Instruction {
	has := cr.u8()
	if has == 0 {
		return nil
	}
	i := cr.u32()
	if int(i) >= len(targets) {
		cr.fail(fmt.Errorf("moduleio: instruction index %d out of range", i))
		return nil
	}
	return targets[i]
}

func (cr *reader) readBody() *moduleir.MethodBody {
	b := &moduleir.MethodBody{}
	b.MaxStack = int(cr.u32())

	localCount := cr.u32()
	b.Locals = make([]*moduleir.LocalVar, localCount)
	for i := range b.Locals {
		b.Locals[i] = &moduleir.LocalVar{
			Index:    int(cr.u32()),
			TypeName: cr.str(),
			Pinned:   cr.u8() == 1,
		}
	}

	instrCount := cr.u32()
	b.Instructions = make([]*moduleir.Instruction, instrCount)
	for i := range b.Instructions {
		b.Instructions[i] = &moduleir.Instruction{}
	}
	// Every element of b.Instructions was allocated above, so decoding an
	// instruction-target operand that points later in the list is safe
	// even though that later instruction's Opcode isn't filled in yet.
	for i := uint32(0); i < instrCount; i++ {
		b.Instructions[i].Opcode = moduleir.Opcode(cr.str())
		cr.decodeOperand(b.Instructions[i], b.Instructions)
		b.Instructions[i].CipherText = cr.bytesField()
	}

	regionCount := cr.u32()
	b.ExceptionRegions = make([]*moduleir.ExceptionRegion, regionCount)
	for i := range b.ExceptionRegions {
		b.ExceptionRegions[i] = &moduleir.ExceptionRegion{
			TryStart:     cr.instrRefInto(b.Instructions),
			TryEnd:       cr.instrRefInto(b.Instructions),
			HandlerStart: cr.instrRefInto(b.Instructions),
			HandlerEnd:   cr.instrRefInto(b.Instructions),
			FilterType:   cr.str(),
			Kind:         moduleir.ExceptionRegionKind(cr.u32()),
		}
	}
	return b
}

// decodeOperand reads one tagged operand and assigns it directly to
// ins.Operand. Instruction-target operands resolve against targets,
// which is safe because every element of targets was pre-allocated
// before any operand is decoded.
func (cr *reader) decodeOperand(ins *moduleir.Instruction, targets []*moduleir.Instruction) {
	tag := cr.u8()
	switch tag {
	case operandNil:
		ins.Operand = nil
	case operandInt64:
		ins.Operand = cr.i64()
	case operandFloat64:
		ins.Operand = math.Float64frombits(uint64(cr.i64()))
	case operandBool:
		ins.Operand = cr.u8() == 1
	case operandString:
		ins.Operand = cr.str()
	case operandMemberRef:
		ref := &moduleir.MemberRef{Type: cr.typeRef()}
		if cr.u8() == 1 {
			i := cr.u32()
			if int(i) < len(cr.methods) {
				ref.Method = cr.methods[i]
			}
		}
		if cr.u8() == 1 {
			i := cr.u32()
			if int(i) < len(cr.fields) {
				ref.Field = cr.fields[i]
			}
		}
		ins.Operand = ref
	case operandInstrTarget:
		i := cr.u32()
		if int(i) < len(targets) {
			ins.Operand = targets[i]
		}
	case operandInstrTargets:
		n := cr.u32()
		out := make([]*moduleir.Instruction, n)
		for i := range out {
			idx := cr.u32()
			if int(idx) < len(targets) {
				out[i] = targets[idx]
			}
		}
		ins.Operand = out
	default:
		cr.fail(fmt.Errorf("moduleio: unknown operand tag %d", tag))
	}
}
