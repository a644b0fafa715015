// Package moduleir defines the in-memory representation of a managed
// module: its type/method/field metadata graph and the bytecode bodies
// hanging off each method. Every pass in this repository reads and
// mutates a *Module in place.
package moduleir

// Visibility mirrors the handful of accessibility levels a managed
// module's metadata can express for a member.
type Visibility int

const (
	VisibilityPrivate Visibility = iota
	VisibilityInternal
	VisibilityProtected
	VisibilityPublic
)

// TypeFlags is a bitset of type-level metadata attributes.
type TypeFlags uint32

const (
	TypeFlagNone       TypeFlags = 0
	TypeFlagSpecial    TypeFlags = 1 << iota
	TypeFlagGlobal               // the module's implicit "<Module>" holder type
	TypeFlagSealed
	TypeFlagAbstract
	TypeFlagInterface
)

// MethodFlags is a bitset of method-level metadata attributes.
type MethodFlags uint32

const (
	MethodFlagNone       MethodFlags = 0
	MethodFlagStatic     MethodFlags = 1 << iota
	MethodFlagSpecial               // property/event accessor, operator overload, etc.
	MethodFlagCtor
	MethodFlagPInvoke
	MethodFlagVirtual
	MethodFlagOverride
	MethodFlagEntryPoint
)

// CustomAttribute is an opaque metadata annotation attached to a module,
// type, or member. goprotect only ever appends these (watermarking); it
// never needs to interpret attribute arguments of a preserved module.
type CustomAttribute struct {
	TypeName  string
	Arguments []string
}

// Module is the root of the metadata graph produced by ModuleIO.Load and
// consumed by ModuleIO.Write.
type Module struct {
	Name       string
	Types      []*TypeDef
	GlobalType *TypeDef
	EntryPoint *MethodDef
	Attributes []CustomAttribute
}

// AllTypes returns every TypeDef reachable from the module, including the
// global type, in a stable order.
func (m *Module) AllTypes() []*TypeDef {
	out := make([]*TypeDef, 0, len(m.Types)+1)
	if m.GlobalType != nil {
		out = append(out, m.GlobalType)
	}
	out = append(out, m.Types...)
	return out
}

// AllMethods returns every MethodDef reachable from the module.
func (m *Module) AllMethods() []*MethodDef {
	var out []*MethodDef
	for _, t := range m.AllTypes() {
		out = append(out, t.Methods...)
	}
	return out
}

// TypeDef is a class, interface, struct, or enum entry in the metadata
// table.
type TypeDef struct {
	Namespace  string
	Name       string
	Enclosing  *TypeDef // non-nil for a nested type
	Visibility Visibility
	Flags      TypeFlags
	Implements []*TypeDef
	Methods    []*MethodDef
	Fields     []*FieldDef
	Properties []*PropertyDef
	Events     []*EventDef
	Attributes []CustomAttribute

	// KeyMaterial holds the string-encryption pass's symmetric key when
	// this TypeDef is a synthesized decryptor. Empty for every other type.
	KeyMaterial []byte
}

// FullName renders the dotted namespace.name path, walking up the
// enclosing-type chain for nested types.
func (t *TypeDef) FullName() string {
	name := t.Name
	ns := t.Namespace
	for e := t.Enclosing; e != nil; e = e.Enclosing {
		name = e.Name + "+" + name
		if e.Namespace != "" {
			ns = e.Namespace
		}
	}
	if ns != "" {
		return ns + "." + name
	}
	return name
}

// MethodDef is a single method entry, static constructor, instance
// constructor, or accessor.
type MethodDef struct {
	Name       string
	Signature  Signature
	Visibility Visibility
	Flags      MethodFlags
	Owner      *TypeDef
	Body       *MethodBody // nil for abstract/pinvoke/interface members
	Attributes []CustomAttribute
}

// Signature describes a method's parameter and return shape. goprotect
// never needs full type resolution, only arity and slot widths, so this
// stays intentionally shallow.
type Signature struct {
	ReturnType string
	ParamTypes []string
}

// FieldDef is a field entry on a type.
type FieldDef struct {
	Name       string
	TypeName   string
	Visibility Visibility
	Static     bool
	Owner      *TypeDef
	Attributes []CustomAttribute
}

// PropertyDef bundles a property's backing accessor methods.
type PropertyDef struct {
	Name     string
	TypeName string
	Get      *MethodDef
	Set      *MethodDef
	Owner    *TypeDef
}

// EventDef bundles an event's backing accessor methods.
type EventDef struct {
	Name     string
	Add      *MethodDef
	Remove   *MethodDef
	Raise    *MethodDef
	Owner    *TypeDef
}

// LocalVar is a method-body local variable slot.
type LocalVar struct {
	Index    int
	TypeName string
	Pinned   bool
}

// MethodBody holds one method's executable bytecode: a flat instruction
// list, the local-variable table, and exception-handling regions that
// reference ranges within that list by instruction identity.
type MethodBody struct {
	Instructions     []*Instruction
	Locals           []*LocalVar
	ExceptionRegions []*ExceptionRegion
	MaxStack         int
}

// Clone deep-copies a method body, preserving internal jump-target
// identity (an operand pointing at instruction i in the original points
// at instruction i in the clone). Passes that mutate a body destructively
// — control-flow flattening chief among them — clone first and only
// commit the clone once the transform completes without error.
func (b *MethodBody) Clone() *MethodBody {
	if b == nil {
		return nil
	}
	idx := make(map[*Instruction]int, len(b.Instructions))
	for i, instr := range b.Instructions {
		idx[instr] = i
	}

	out := &MethodBody{
		Instructions: make([]*Instruction, len(b.Instructions)),
		MaxStack:     b.MaxStack,
	}
	for i, instr := range b.Instructions {
		out.Instructions[i] = &Instruction{
			Opcode:     instr.Opcode,
			Operand:    instr.Operand,
			CipherText: append([]byte(nil), instr.CipherText...),
		}
	}
	remap := func(op any) any {
		switch v := op.(type) {
		case *Instruction:
			if i, ok := idx[v]; ok {
				return out.Instructions[i]
			}
			return v
		case []*Instruction:
			targets := make([]*Instruction, len(v))
			for i, t := range v {
				if j, ok := idx[t]; ok {
					targets[i] = out.Instructions[j]
				} else {
					targets[i] = t
				}
			}
			return targets
		default:
			return op
		}
	}
	for i, instr := range b.Instructions {
		out.Instructions[i].Operand = remap(instr.Operand)
	}

	out.Locals = make([]*LocalVar, len(b.Locals))
	for i, l := range b.Locals {
		copyL := *l
		out.Locals[i] = &copyL
	}

	out.ExceptionRegions = make([]*ExceptionRegion, len(b.ExceptionRegions))
	for i, r := range b.ExceptionRegions {
		out.ExceptionRegions[i] = &ExceptionRegion{
			TryStart:     instrAt(idx, out.Instructions, r.TryStart),
			TryEnd:       instrAt(idx, out.Instructions, r.TryEnd),
			HandlerStart: instrAt(idx, out.Instructions, r.HandlerStart),
			HandlerEnd:   instrAt(idx, out.Instructions, r.HandlerEnd),
			FilterType:   r.FilterType,
			Kind:         r.Kind,
		}
	}
	return out
}

func instrAt(idx map[*Instruction]int, in []*Instruction, target *Instruction) *Instruction {
	if target == nil {
		return nil
	}
	if i, ok := idx[target]; ok {
		return in[i]
	}
	return target
}

// MemberRef is an operand referring to another member of the metadata
// graph by pointer identity — a field, method, or type token in source
// terms.
type MemberRef struct {
	Type   *TypeDef
	Method *MethodDef
	Field  *FieldDef
}

// Instruction is one bytecode instruction. Operand is nil, a primitive
// (int64, float64, bool), a string literal, a *MemberRef, a *Instruction
// (branch target), or []*Instruction (switch targets) — exactly the
// operand shapes spec.md's data model names.
type Instruction struct {
	Opcode  Opcode
	Operand any

	// CipherText holds the encrypted payload for an OpCall instruction
	// synthesized by the string-encryption pass in place of an OpLoadString.
	// It is nil for every instruction not produced by that substitution.
	CipherText []byte
}

// Opcode enumerates the small instruction set goprotect's passes need to
// reason about. It deliberately does not model a full managed ISA; only
// the opcodes the pipeline inspects or synthesizes are named, with a
// generic Raw escape hatch for everything else loaded from a module.
type Opcode string

const (
	OpNop        Opcode = "nop"
	OpLoadConst  Opcode = "ldc"
	OpLoadString Opcode = "ldstr"
	OpLoadLocal  Opcode = "ldloc"
	OpStoreLocal Opcode = "stloc"
	OpLoadField  Opcode = "ldfld"
	OpStoreField Opcode = "stfld"
	OpCall       Opcode = "call"
	OpCallVirt   Opcode = "callvirt"
	OpNewObj     Opcode = "newobj"
	OpBranch     Opcode = "br"
	OpBranchTrue Opcode = "brtrue"
	OpBranchFalse Opcode = "brfalse"
	OpSwitch     Opcode = "switch"
	OpReturn     Opcode = "ret"
	OpThrow      Opcode = "throw"
	OpLeave      Opcode = "leave"
	OpDup        Opcode = "dup"
	OpPop        Opcode = "pop"
	OpRaw        Opcode = "raw" // opaque instruction, Operand carries raw bytes
)

// IsTerminator reports whether an instruction ends a basic block.
func (i *Instruction) IsTerminator() bool {
	switch i.Opcode {
	case OpBranch, OpBranchTrue, OpBranchFalse, OpSwitch, OpReturn, OpThrow, OpLeave:
		return true
	default:
		return false
	}
}

// Targets returns the set of instructions this instruction may transfer
// control to, excluding plain fallthrough.
func (i *Instruction) Targets() []*Instruction {
	switch v := i.Operand.(type) {
	case *Instruction:
		return []*Instruction{v}
	case []*Instruction:
		return v
	default:
		return nil
	}
}

// ExceptionRegionKind distinguishes the handler shapes goprotect tracks.
type ExceptionRegionKind int

const (
	ExceptionRegionCatch ExceptionRegionKind = iota
	ExceptionRegionFinally
	ExceptionRegionFault
)

// ExceptionRegion describes a protected range and its handler, referring
// to bracketing instructions by pointer identity.
type ExceptionRegion struct {
	TryStart, TryEnd         *Instruction
	HandlerStart, HandlerEnd *Instruction
	FilterType               string
	Kind                     ExceptionRegionKind
}
