// Package stringenc implements the string-literal encryption pass: it
// collects every string-constant operand in a module, replaces each with
// a call to a synthesized decryptor passing the ciphertext, and injects
// the decryptor type that reverses the transform at runtime.
package stringenc

import (
	"strings"

	"github.com/mreshboboyev/goprotect/internal/config"
	"github.com/mreshboboyev/goprotect/internal/moduleir"
	"github.com/mreshboboyev/goprotect/internal/protect"
	"github.com/mreshboboyev/goprotect/internal/random"
)

const ID = "string_encryption"

const decryptorTypeName = "<StringDecryptor>"
const decryptorMethodName = "Decrypt"
const dynamicDecryptorMethodName = "DecryptDynamic"

// preservedLiteralPrefixes names namespace-ish prefixes the collect
// phase never touches even when they show up as ldstr operands, since
// they almost always name a framework type rather than user data.
var preservedLiteralPrefixes = []string{"System.", "Microsoft."}

// Pass implements protect.Pass for string-literal encryption.
type Pass struct {
	Source random.Source
}

// New returns a string-encryption Pass. The key used per module is drawn
// from Source once per Apply call, so an unseeded (crypto) source keeps
// the key unpredictable across protection runs while a seeded source
// keeps it reproducible for tests.
func New(source random.Source) *Pass {
	return &Pass{Source: source}
}

func (p *Pass) ID() string              { return ID }
func (p *Pass) Name() string            { return "String Literal Encryption" }
func (p *Pass) Priority() int           { return 80 }
func (p *Pass) Dependencies() []string  { return nil }
func (p *Pass) ConflictsWith() []string { return nil }

func (p *Pass) CanApply(module *moduleir.Module) bool {
	for _, m := range module.AllMethods() {
		if m.Body == nil {
			continue
		}
		for _, ins := range m.Body.Instructions {
			if ins.Opcode == moduleir.OpLoadString {
				return true
			}
		}
	}
	return false
}

// Apply runs the three-phase pipeline: Phase 1 collects every eligible
// ldstr operand, Phase 2 substitutes each with a call to the decryptor
// passing the ciphertext, and Phase 3 injects the decryptor type —
// skipped entirely if Phase 1 found nothing to do.
func (p *Pass) Apply(module *moduleir.Module, ctx *protect.Context) error {
	cfg := ctx.Config.Obfuscation.StringEncryption
	algo, err := ByName(cfg.Algorithm)
	if err != nil {
		return err
	}

	key := p.Source.NextBytes(32)
	registry := ctx.StringRegistry()

	literals := collect(module, registry, cfg)
	if len(literals) == 0 {
		return nil
	}

	decryptorType := injectDecryptor(module, algo, key)
	decryptMethod := decryptorType.Methods[0]
	if cfg.DynamicDecryption {
		decryptMethod = decryptorType.Methods[1]
	}

	for _, lit := range literals {
		plain := lit.instr.Operand.(string)
		cipherBytes, err := algo.Encrypt([]byte(plain), key)
		if err != nil {
			ctx.Diagnostics.Warn(ID, "failed to encrypt literal in %s: %v", lit.owner.Name, err)
			continue
		}
		substitute(lit.instr, decryptorType, decryptMethod, cipherBytes)
		registry.MarkEncrypted(lit.instr)
	}

	return nil
}

type literalSite struct {
	instr *moduleir.Instruction
	owner *moduleir.MethodDef
}

// collect is Phase 1: find every ldstr instruction across the module
// that the registry hasn't already handled and that doesn't match the
// exclude predicate, skipping the decryptor's own body if this pass
// somehow runs twice over one module.
func collect(module *moduleir.Module, registry *protect.EncryptedStringRegistry, cfg config.StringEncryptionConfig) []literalSite {
	excluded := make(map[string]bool, len(cfg.ExcludedLiterals))
	for _, s := range cfg.ExcludedLiterals {
		excluded[s] = true
	}

	var out []literalSite
	for _, m := range module.AllMethods() {
		if m.Body == nil || (m.Owner != nil && m.Owner.Name == decryptorTypeName) {
			continue
		}
		for _, ins := range m.Body.Instructions {
			if ins.Opcode != moduleir.OpLoadString {
				continue
			}
			if registry.IsEncrypted(ins) {
				continue
			}
			lit, ok := ins.Operand.(string)
			if !ok {
				continue
			}
			if isExcludedLiteral(lit, excluded) {
				continue
			}
			out = append(out, literalSite{instr: ins, owner: m})
		}
	}
	return out
}

// isExcludedLiteral is the exclude predicate: a literal shorter than
// two characters, one that starts with a preserved framework-ish
// prefix, or one the configuration names explicitly is never a
// candidate for encryption.
func isExcludedLiteral(lit string, excluded map[string]bool) bool {
	if len(lit) < 2 {
		return true
	}
	for _, prefix := range preservedLiteralPrefixes {
		if strings.HasPrefix(lit, prefix) {
			return true
		}
	}
	return excluded[lit]
}

// substitute is Phase 2: rewrite one ldstr instruction in place into a
// call to the decryptor type's static method, carrying the ciphertext on
// the instruction's CipherText field rather than smuggling it through
// Operand, which stays reserved for the MemberRef every other pass
// already knows how to walk for cross-reference purposes.
func substitute(instr *moduleir.Instruction, decryptorType *moduleir.TypeDef, decryptMethod *moduleir.MethodDef, cipherBytes []byte) {
	instr.Opcode = moduleir.OpCall
	instr.Operand = &moduleir.MemberRef{
		Type:   decryptorType,
		Method: decryptMethod,
	}
	instr.CipherText = cipherBytes
}

// injectDecryptor is Phase 3: synthesize a small internal type holding
// two static methods whose (uninterpreted, metadata-only) bodies
// document the inverse transform — a static decryptor that reads the
// key from an embedded field, and a dynamic decryptor that takes the
// key as an explicit second parameter instead — and attach the
// encryption key as a private static field initialized from an
// embedded byte blob. Returns the existing decryptor type if one was
// already injected for this module, in Methods[0]/Methods[1] order
// (static, dynamic) so callers never need to search by name.
func injectDecryptor(module *moduleir.Module, algo Algorithm, key []byte) *moduleir.TypeDef {
	for _, t := range module.Types {
		if t.Name == decryptorTypeName {
			return t
		}
	}

	keyField := &moduleir.FieldDef{
		Name:     "_key",
		TypeName: "byte[]",
		Static:   true,
	}
	decryptMethod := &moduleir.MethodDef{
		Name: decryptorMethodName,
		Signature: moduleir.Signature{
			ReturnType: "string",
			ParamTypes: []string{"byte[]"},
		},
		Visibility: moduleir.VisibilityInternal,
		Flags:      moduleir.MethodFlagStatic | moduleir.MethodFlagSpecial,
		Body: &moduleir.MethodBody{
			Instructions: []*moduleir.Instruction{
				{Opcode: moduleir.OpLoadLocal, Operand: int64(0)},
				{Opcode: moduleir.OpLoadField, Operand: &moduleir.MemberRef{Field: keyField}},
				{Opcode: moduleir.OpReturn},
			},
		},
	}
	dynamicDecryptMethod := &moduleir.MethodDef{
		Name: dynamicDecryptorMethodName,
		Signature: moduleir.Signature{
			ReturnType: "string",
			ParamTypes: []string{"byte[]", "byte[]"},
		},
		Visibility: moduleir.VisibilityInternal,
		Flags:      moduleir.MethodFlagStatic | moduleir.MethodFlagSpecial,
		Body: &moduleir.MethodBody{
			Instructions: []*moduleir.Instruction{
				{Opcode: moduleir.OpLoadLocal, Operand: int64(0)},
				{Opcode: moduleir.OpLoadLocal, Operand: int64(1)},
				{Opcode: moduleir.OpReturn},
			},
		},
	}

	decryptorType := &moduleir.TypeDef{
		Name:       decryptorTypeName,
		Visibility: moduleir.VisibilityInternal,
		Flags:      moduleir.TypeFlagSpecial,
		Methods:    []*moduleir.MethodDef{decryptMethod, dynamicDecryptMethod},
		Fields:     []*moduleir.FieldDef{keyField},
		Attributes: []moduleir.CustomAttribute{
			{TypeName: "CompilerGeneratedAttribute"},
			{TypeName: "StringDecryptorAlgorithmAttribute", Arguments: []string{algo.Name()}},
		},
	}
	decryptMethod.Owner = decryptorType
	dynamicDecryptMethod.Owner = decryptorType
	keyField.Owner = decryptorType
	decryptorType.KeyMaterial = append([]byte(nil), key...)

	module.Types = append(module.Types, decryptorType)
	return decryptorType
}
