// Package renaming implements the identifier-renaming pass: it replaces
// every eligible type, method, field, property, and event name with a
// freshly minted one, while leaving anything the preservation policy
// protects untouched.
package renaming

import (
	"fmt"
	"os"
	"strings"

	"github.com/mreshboboyev/goprotect/internal/config"
	"github.com/mreshboboyev/goprotect/internal/moduleir"
	"github.com/mreshboboyev/goprotect/internal/names"
	"github.com/mreshboboyev/goprotect/internal/protect"
	"github.com/mreshboboyev/goprotect/internal/random"
)

const ID = "renaming"

// Pass implements protect.Pass for identifier renaming.
type Pass struct {
	Source random.Source
}

// New returns a renaming Pass drawing names from source. Passing a
// deterministic random.Source makes two runs over the same module and
// config produce byte-identical renamed output.
func New(source random.Source) *Pass {
	return &Pass{Source: source}
}

func (p *Pass) ID() string             { return ID }
func (p *Pass) Name() string           { return "Identifier Renaming" }
func (p *Pass) Priority() int          { return 90 } // first: higher Priority schedules earlier
func (p *Pass) Dependencies() []string { return nil }
func (p *Pass) ConflictsWith() []string { return nil }

func (p *Pass) CanApply(module *moduleir.Module) bool {
	return len(module.AllTypes()) > 0
}

// Apply renames every eligible member of module. Because moduleir holds
// cross-references by pointer identity rather than by name, renaming a
// declaration automatically updates every instruction that refers to it
// through a *moduleir.MemberRef — there is no separate reference-repair
// step to run afterward.
func (p *Pass) Apply(module *moduleir.Module, ctx *protect.Context) error {
	cfg := ctx.Config.Obfuscation.Renaming
	preserve := ctx.Config.Preservation

	scheme := names.Scheme(cfg.Scheme)
	intensity := names.Intensity(ctx.Config.EffectiveIntensity(cfg.Intensity))
	alloc := names.New(scheme, intensity, p.Source)

	// Context scan (spec §4.5 step 1): seed the avoid-set with every
	// identifier already in use in the module, not just the runtime's
	// reserved names, so a minted name can never collide with a
	// preserved (never-renamed) member that happens to sit right next
	// to it.
	rootScope := names.NewMapScope(append(reservedRuntimeNames, existingTypeNames(module)...)...)

	for _, t := range module.AllTypes() {
		if t == module.GlobalType {
			// The implicit "<Module>" holder type's own name is never
			// renamed, matching the identity-preservation invariant for
			// anything the runtime locates by a fixed well-known name.
			continue
		}
		if isPreservedNamespace(t.Namespace, preserve.ExcludedNamespaces) {
			continue
		}
		if isPreservedType(t, preserve) {
			continue
		}

		originalFull := t.FullName()
		minted, err := alloc.Next(rootScope, typeKey(t), names.IntentType)
		if err != nil {
			return fmt.Errorf("renaming: mint type name for %s: %w", t.FullName(), err)
		}
		t.Name = minted
		ctx.RenameMap().Set(originalFull, joinNamespace(t.Namespace, minted))
		p.renameMembers(t, originalFull, minted, alloc, cfg, preserve, module, ctx)
	}

	if cfg.EmitMappingFile && cfg.MappingFilePath != "" {
		if err := writeMappingFile(cfg.MappingFilePath, ctx.RenameMap()); err != nil {
			ctx.Diagnostics.Warn(ID, "failed to write mapping file: %v", err)
		}
	}

	return nil
}

func (p *Pass) renameMembers(t *moduleir.TypeDef, originalTypeName, mintedTypeName string, alloc *names.Allocator, cfg config.RenamingConfig, preserve config.PreservationConfig, module *moduleir.Module, ctx *protect.Context) {
	// Same context-scan rationale as the root scope: seed with every
	// member name t already declares before any of them are minted.
	memberScope := names.NewMapScope(append(reservedRuntimeNames, existingMemberNames(t)...)...)

	accessorOf := make(map[*moduleir.MethodDef]string) // method -> "get_"/"set_"/"add_"/"remove_"/"raise_" prefix owner name
	for _, prop := range t.Properties {
		if prop.Get != nil {
			accessorOf[prop.Get] = "get_" + prop.Name
		}
		if prop.Set != nil {
			accessorOf[prop.Set] = "set_" + prop.Name
		}
	}
	for _, ev := range t.Events {
		if ev.Add != nil {
			accessorOf[ev.Add] = "add_" + ev.Name
		}
		if ev.Remove != nil {
			accessorOf[ev.Remove] = "remove_" + ev.Name
		}
		if ev.Raise != nil {
			accessorOf[ev.Raise] = "raise_" + ev.Name
		}
	}

	for _, m := range t.Methods {
		if _, isAccessor := accessorOf[m]; isAccessor {
			continue // renamed below, alongside the property/event it backs
		}
		if isPreservedMethod(t, m, preserve) {
			continue
		}
		minted, err := alloc.Next(memberScope, memberKey(t, m.Name), names.IntentMethod)
		if err != nil {
			ctx.Diagnostics.Warn(ID, "mint method name for %s.%s: %v", t.FullName(), m.Name, err)
			continue
		}
		original := m.Name
		m.Name = minted
		ctx.RenameMap().Set(originalTypeName+"."+original, minted)
	}

	if cfg.RenameFields {
		for _, f := range t.Fields {
			if isPreservedField(t, f, preserve) {
				continue
			}
			minted, err := alloc.Next(memberScope, memberKey(t, f.Name), names.IntentField)
			if err != nil {
				ctx.Diagnostics.Warn(ID, "mint field name for %s.%s: %v", t.FullName(), f.Name, err)
				continue
			}
			original := f.Name
			f.Name = minted
			ctx.RenameMap().Set(originalTypeName+"."+original, minted)
		}
	}

	if cfg.RenameProperties {
		for _, prop := range t.Properties {
			if isPreservedMember(t, prop.Name, preserve) {
				continue
			}
			minted, err := alloc.Next(memberScope, memberKey(t, prop.Name), names.IntentProperty)
			if err != nil {
				ctx.Diagnostics.Warn(ID, "mint property name for %s.%s: %v", t.FullName(), prop.Name, err)
				continue
			}
			original := prop.Name
			// Keep get_X/set_X consistent with the property's new name, the
			// accessor-synchronisation step spec.md requires.
			if prop.Get != nil {
				prop.Get.Name = "get_" + minted
			}
			if prop.Set != nil {
				prop.Set.Name = "set_" + minted
			}
			prop.Name = minted
			ctx.RenameMap().Set(originalTypeName+"."+original, minted)
		}
	}

	if cfg.RenameEvents {
		for _, ev := range t.Events {
			if isPreservedMember(t, ev.Name, preserve) {
				continue
			}
			minted, err := alloc.Next(memberScope, memberKey(t, ev.Name), names.IntentProperty)
			if err != nil {
				ctx.Diagnostics.Warn(ID, "mint event name for %s.%s: %v", t.FullName(), ev.Name, err)
				continue
			}
			original := ev.Name
			if ev.Add != nil {
				ev.Add.Name = "add_" + minted
			}
			if ev.Remove != nil {
				ev.Remove.Name = "remove_" + minted
			}
			if ev.Raise != nil {
				ev.Raise.Name = "raise_" + minted
			}
			ev.Name = minted
			ctx.RenameMap().Set(originalTypeName+"."+original, minted)
		}
	}
}

// existingTypeNames returns the current short name of every type in
// module, for seeding the renaming pass's context scan.
func existingTypeNames(module *moduleir.Module) []string {
	types := module.AllTypes()
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, t.Name)
	}
	return out
}

// existingMemberNames returns the current short name of every method,
// field, property, and event t declares, for seeding the per-type
// member context scan. Property/event accessor methods are already
// covered via t.Methods.
func existingMemberNames(t *moduleir.TypeDef) []string {
	var out []string
	for _, m := range t.Methods {
		out = append(out, m.Name)
	}
	for _, f := range t.Fields {
		out = append(out, f.Name)
	}
	for _, prop := range t.Properties {
		out = append(out, prop.Name)
	}
	for _, ev := range t.Events {
		out = append(out, ev.Name)
	}
	return out
}

func typeKey(t *moduleir.TypeDef) string   { return "type:" + t.FullName() }
func memberKey(t *moduleir.TypeDef, n string) string { return "member:" + t.FullName() + "::" + n }

func joinNamespace(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "." + name
}

// preservedFrameworkPrefixes is the preserved-prefix list spec §4.2 step 1
// names: a type whose full name falls under one of these is framework
// surface, never minted over, mirroring the same prefix list
// passes/stringenc applies to string literals.
var preservedFrameworkPrefixes = []string{"System.", "Microsoft."}

func hasPreservedPrefix(fullName string) bool {
	for _, prefix := range preservedFrameworkPrefixes {
		if strings.HasPrefix(fullName, prefix) {
			return true
		}
	}
	return false
}

// isPreservedType reports whether t must keep its original name: it is
// marked special, it is under a preserved framework prefix, it is public
// and PreservePublicAPI requires visible types to stay stable, or its
// full name is explicitly excluded. The global holder type is skipped by
// Apply before this check.
func isPreservedType(t *moduleir.TypeDef, preserve config.PreservationConfig) bool {
	if t.Flags&moduleir.TypeFlagSpecial != 0 {
		return true
	}
	if hasPreservedPrefix(t.FullName()) {
		return true
	}
	if preserve.PreservePublicAPI && t.Visibility == moduleir.VisibilityPublic {
		return true
	}
	for _, excluded := range preserve.ExcludedTypes {
		if strings.EqualFold(excluded, t.FullName()) || strings.EqualFold(excluded, t.Name) {
			return true
		}
	}
	return false
}

func isPreservedNamespace(ns string, excluded []string) bool {
	for _, e := range excluded {
		if strings.EqualFold(e, ns) {
			return true
		}
	}
	return false
}

func isPreservedMethod(t *moduleir.TypeDef, m *moduleir.MethodDef, preserve config.PreservationConfig) bool {
	if m.Flags&moduleir.MethodFlagCtor != 0 {
		return true // constructors are located by the runtime by fixed name
	}
	if m.Flags&moduleir.MethodFlagEntryPoint != 0 {
		return true
	}
	if m.Flags&moduleir.MethodFlagPInvoke != 0 {
		return true // platform-invoke declarations are resolved by entry-point name
	}
	if m.Flags&moduleir.MethodFlagSpecial != 0 && strings.HasPrefix(m.Name, "op_") {
		return true // operator overloads must keep their well-known name
	}
	if m.Flags&moduleir.MethodFlagOverride != 0 {
		// An overridden member keeps the base/interface method's name so
		// the override relationship stays resolvable without a full
		// cross-module analysis — the conservative half of spec.md's
		// interface-consistency edge case.
		return true
	}
	if preserve.PreservePublicAPI && m.Visibility == moduleir.VisibilityPublic {
		return true
	}
	return isPreservedMember(t, m.Name, preserve)
}

func isPreservedField(t *moduleir.TypeDef, f *moduleir.FieldDef, preserve config.PreservationConfig) bool {
	if preserve.PreservePublicAPI && f.Visibility == moduleir.VisibilityPublic {
		return true
	}
	return isPreservedMember(t, f.Name, preserve)
}

func isPreservedMember(t *moduleir.TypeDef, name string, preserve config.PreservationConfig) bool {
	qualified := t.FullName() + "." + name
	for _, excluded := range preserve.ExcludedMethods {
		if strings.EqualFold(excluded, qualified) || strings.EqualFold(excluded, name) {
			return true
		}
	}
	return false
}

// reservedRuntimeNames seeds every rename scope so minted names never
// collide with identifiers a managed runtime reserves for itself.
var reservedRuntimeNames = []string{
	".ctor", ".cctor", "Equals", "GetHashCode", "ToString", "Finalize",
	"<Module>", "Main",
}

func writeMappingFile(path string, m *protect.RenameMap) error {
	var sb strings.Builder
	for original, minted := range m.Entries() {
		sb.WriteString(original)
		sb.WriteString(" => ")
		sb.WriteString(minted)
		sb.WriteString("\n")
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
