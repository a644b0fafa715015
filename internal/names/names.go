// Package names implements the renaming pass's identifier mint: given a
// scheme, an intensity, and a scope to avoid colliding with, it produces
// fresh names and remembers every name it has handed out so a second call
// for the same original identifier returns the same replacement.
package names

import (
	"fmt"
	"strings"

	"github.com/mreshboboyev/goprotect/internal/random"
)

// Scheme selects the character set new identifiers are drawn from.
type Scheme string

const (
	SchemeAlphanumeric Scheme = "alphanumeric"
	SchemeConfusable   Scheme = "confusable"
	SchemeInvisible    Scheme = "invisible"
	SchemeSimple       Scheme = "simple"
)

// Intensity controls the target length of minted names, mirroring the
// light/normal/aggressive protection levels exposed on the CLI.
type Intensity string

const (
	IntensityLight      Intensity = "light"
	IntensityNormal     Intensity = "normal"
	IntensityAggressive Intensity = "aggressive"
)

const (
	minLength        = 1
	maxLength        = 255
	maxRegenAttempts = 50
)

// alphabets mirrors the "first char differs from rest" structure of the
// teacher's charset tables: an identifier-shaped scheme needs a
// non-numeric leading character even though Go has no such constraint
// itself, because the synthesized names must still look at home among a
// managed runtime's own naming rules.
var alphabets = map[Scheme]struct{ first, rest string }{
	SchemeAlphanumeric: {
		first: "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_",
		rest:  "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_",
	},
	SchemeSimple: {
		first: "abcdefghijklmnopqrstuvwxyz",
		rest:  "abcdefghijklmnopqrstuvwxyz0123456789",
	},
	// Confusable draws only from the glyphs spec §4.2 names as
	// mutually ambiguous under casual review: lowercase L, uppercase I,
	// digit one, lowercase I, and pipe.
	SchemeConfusable: {
		first: "lI1i|",
		rest:  "lI1i|",
	},
	// Invisible is a leading underscore (so the identifier has at least
	// one visible, lexically valid anchor character) followed by
	// zero-width code points U+200B..U+200F, per spec §4.2.
	SchemeInvisible: {
		first: "_",
		rest:  "​‌‍‎‏",
	},
}

// invisibleCodepoints holds U+200B (zero width space) through U+200F
// (right-to-left mark) as literal characters, which render as nothing
// and are indistinguishable from each other in source.
const invisibleCodepoints = "​‌‍‎‏"

func lengthFor(intensity Intensity) int {
	switch intensity {
	case IntensityLight:
		return 6
	case IntensityAggressive:
		return 24
	case IntensityNormal:
		fallthrough
	default:
		return 12
	}
}

// Scope is anything the allocator must avoid colliding with: a class's
// member table, a namespace's type table, a method's local-variable
// table. Implementations are supplied by the renaming pass; the
// allocator itself knows nothing about the metadata graph.
type Scope interface {
	Contains(name string) bool
	Add(name string)
}

// Intent differentiates why a name is being minted, purely for
// diagnostics and for schemes that special-case certain intents (an
// accessor method keeps a recognizable get_/set_ prefix under the Simple
// scheme, say). It carries no behavior of its own here.
type Intent string

const (
	IntentType       Intent = "type"
	IntentMethod     Intent = "method"
	IntentField      Intent = "field"
	IntentProperty   Intent = "property"
	IntentLocal      Intent = "local"
	IntentNamespace  Intent = "namespace"
)

// Allocator mints collision-free names within a caller-supplied Scope.
type Allocator struct {
	scheme    Scheme
	intensity Intensity
	source    random.Source
	length    int

	mu      map[string]string // original -> minted, for idempotent re-minting
	counter int
}

// New constructs an Allocator. An unknown scheme falls back to
// SchemeAlphanumeric rather than erroring, since an invalid config value
// here should degrade gracefully rather than abort a whole protection run.
func New(scheme Scheme, intensity Intensity, source random.Source) *Allocator {
	if _, ok := alphabets[scheme]; !ok {
		scheme = SchemeAlphanumeric
	}
	return &Allocator{
		scheme:    scheme,
		intensity: intensity,
		source:    source,
		length:    clampLength(lengthFor(intensity)),
		mu:        make(map[string]string),
	}
}

func clampLength(n int) int {
	if n < minLength {
		return minLength
	}
	if n > maxLength {
		return maxLength
	}
	return n
}

// Next mints a name unique within scope for the given original
// identifier and intent. Calling Next twice with the same original
// within the same Allocator returns the same minted name, matching the
// renaming pass's requirement that every reference to one original
// identifier converges on one replacement.
func (a *Allocator) Next(scope Scope, original string, intent Intent) (string, error) {
	if minted, ok := a.mu[original]; ok {
		return minted, nil
	}

	alphabet := alphabets[a.scheme]
	length := a.length

	for attempt := 0; attempt < maxRegenAttempts; attempt++ {
		candidate := a.mint(alphabet, length)
		if scope.Contains(candidate) {
			if attempt > 5 && length < maxLength {
				length++
			}
			continue
		}
		scope.Add(candidate)
		a.mu[original] = candidate
		return candidate, nil
	}

	// Exhausted retries: fall back to a counter-suffixed name, which is
	// guaranteed fresh because the counter never repeats within one
	// allocator's lifetime.
	a.counter++
	fallback := fmt.Sprintf("%s_%d", a.mint(alphabet, 1), a.counter)
	for scope.Contains(fallback) {
		a.counter++
		fallback = fmt.Sprintf("%s_%d", a.mint(alphabet, 1), a.counter)
	}
	scope.Add(fallback)
	a.mu[original] = fallback
	return fallback, nil
}

func (a *Allocator) mint(alphabet struct{ first, rest string }, length int) string {
	if length < 1 {
		length = 1
	}
	var sb strings.Builder
	sb.Grow(length)
	sb.WriteString(a.source.NextString(1, alphabet.first))
	if length > 1 {
		sb.WriteString(a.source.NextString(length-1, alphabet.rest))
	}
	return sb.String()
}

// mapScope is a minimal Scope backed by a plain map, useful for tests and
// for callers that don't need their own collision bookkeeping against the
// live metadata graph.
type mapScope struct {
	seen map[string]bool
}

// NewMapScope returns a Scope backed by an in-memory set, pre-seeded with
// names that must never be minted (reserved words, preserved identifiers).
func NewMapScope(preexisting ...string) Scope {
	s := &mapScope{seen: make(map[string]bool, len(preexisting))}
	for _, n := range preexisting {
		s.seen[n] = true
	}
	return s
}

func (s *mapScope) Contains(name string) bool { return s.seen[name] }
func (s *mapScope) Add(name string)           { s.seen[name] = true }
