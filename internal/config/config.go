// Package config loads and validates goprotect's configuration: the
// per-pass toggles, intensity levels, and preservation rules that decide
// what a protection run actually does to a module.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Level is the coarse protection-intensity dial exposed as -l/--level on
// the CLI; it sets the default for every per-pass Intensity unless a
// pass-specific override is present in the file.
type Level string

const (
	LevelLight      Level = "light"
	LevelNormal     Level = "normal"
	LevelAggressive Level = "aggressive"
)

// StringEncryptionAlgorithm selects the cipher the string-encryption pass
// applies to literal operands.
type StringEncryptionAlgorithm string

const (
	AlgorithmSymmetricBlock StringEncryptionAlgorithm = "symmetric_block"
	AlgorithmStream         StringEncryptionAlgorithm = "stream"
	AlgorithmCustomXOR      StringEncryptionAlgorithm = "custom_xor"
)

// ControlFlowMode is the control-flow pass's own intensity dial,
// independent of the coarse Level, per spec.md §6's
// control_flow.mode ∈ {none, light, normal, heavy, extreme}.
type ControlFlowMode string

const (
	ControlFlowModeNone    ControlFlowMode = "none"
	ControlFlowModeLight   ControlFlowMode = "light"
	ControlFlowModeNormal  ControlFlowMode = "normal"
	ControlFlowModeHeavy   ControlFlowMode = "heavy"
	ControlFlowModeExtreme ControlFlowMode = "extreme"
)

// AntiTamperMode is the anti-tamper pass's own intensity dial.
type AntiTamperMode string

const (
	AntiTamperModeNone   AntiTamperMode = "none"
	AntiTamperModeLight  AntiTamperMode = "light"
	AntiTamperModeNormal AntiTamperMode = "normal"
	AntiTamperModeHeavy  AntiTamperMode = "heavy"
)

// OptimizationMode controls the finalizer's simplify/optimise pass over
// branches and macro-instruction widths.
type OptimizationMode string

const (
	OptimizationNone     OptimizationMode = "none"
	OptimizationMinimal  OptimizationMode = "minimal"
	OptimizationBalanced OptimizationMode = "balanced"
	OptimizationAggressive OptimizationMode = "aggressive"
)

// DebugMode is the tri-state debug-output dial from spec.md §6/§7:
// "none" runs normally, "symbols-only" keeps debug symbols in the
// output, and "full" makes a failing pass's error propagate out of the
// orchestrator instead of being recorded as a diagnostic and continued
// past.
type DebugMode string

const (
	DebugModeNone        DebugMode = "none"
	DebugModeSymbolsOnly DebugMode = "symbols-only"
	DebugModeFull        DebugMode = "full"
)

// RenamingConfig controls the renaming pass.
type RenamingConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Scheme    string `yaml:"scheme" mapstructure:"scheme"`       // alphanumeric | confusable | invisible | simple
	Intensity string `yaml:"intensity" mapstructure:"intensity"` // light | normal | aggressive, overrides Level

	RenameFields      bool `yaml:"rename_fields" mapstructure:"rename_fields"`
	RenameProperties  bool `yaml:"rename_properties" mapstructure:"rename_properties"`
	RenameEvents      bool `yaml:"rename_events" mapstructure:"rename_events"`
	RenameEnumMembers bool `yaml:"rename_enum_members" mapstructure:"rename_enum_members"`

	FlattenNamespaces bool   `yaml:"flatten_namespaces" mapstructure:"flatten_namespaces"`
	NamespacePrefix   string `yaml:"namespace_prefix,omitempty" mapstructure:"namespace_prefix,omitempty"`

	EmitMappingFile bool   `yaml:"generate_mapping_file" mapstructure:"generate_mapping_file"`
	MappingFilePath string `yaml:"mapping_file_path,omitempty" mapstructure:"mapping_file_path,omitempty"`
}

// StringEncryptionConfig controls the string-encryption pass, named
// "encryption" on disk per spec.md §6.
type StringEncryptionConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm"`

	EncryptStrings   bool `yaml:"encrypt_strings" mapstructure:"encrypt_strings"`
	EncryptMethods   bool `yaml:"encrypt_methods" mapstructure:"encrypt_methods"`
	EncryptResources bool `yaml:"encrypt_resources" mapstructure:"encrypt_resources"`

	// DynamicDecryption selects which of the two decryptor methods the
	// injected decryptor type carries (both are always synthesized) the
	// rewritten call sites invoke: false calls the static decryptor
	// (ciphertext → plaintext) using the embedded key directly; true
	// calls the dynamic one (ciphertext + key → plaintext) that takes the
	// key as an explicit parameter instead.
	DynamicDecryption bool `yaml:"dynamic_decryption" mapstructure:"dynamic_decryption"`

	// ExcludedLiterals names literal strings the collect phase must
	// never encrypt, on top of the built-in length and preserved-prefix
	// exclusions.
	ExcludedLiterals []string `yaml:"excluded_literals,omitempty" mapstructure:"excluded_literals,omitempty"`
}

// ControlFlowConfig controls the control-flow-flattening pass.
type ControlFlowConfig struct {
	Enabled          bool            `yaml:"enabled" mapstructure:"enabled"`
	Mode             ControlFlowMode `yaml:"mode" mapstructure:"mode"`
	ComplexityThreshold int          `yaml:"complexity_threshold,omitempty" mapstructure:"complexity_threshold,omitempty"`
	InsertJunkBlocks bool            `yaml:"insert_junk_blocks" mapstructure:"insert_junk_blocks"`
	SplitMethods     bool            `yaml:"split_methods" mapstructure:"split_methods"`
	OpaquePredicates bool            `yaml:"opaque_predicates" mapstructure:"opaque_predicates"`
	ShortenBranches  bool            `yaml:"shorten_branches" mapstructure:"shorten_branches"`
}

// AntiDebugConfig controls the anti-debug probe-injection pass.
type AntiDebugConfig struct {
	Enabled               bool `yaml:"enabled" mapstructure:"enabled"`
	InjectionProbability  int  `yaml:"injection_probability,omitempty" mapstructure:"injection_probability,omitempty"` // 0-100, 0 means "use level default"
	PeriodicRecheck       bool `yaml:"periodic_recheck" mapstructure:"periodic_recheck"`
}

// AntiTamperConfig controls the checksum/signature-validation side of
// tamper detection, layered on top of the anti-debug probe chain.
type AntiTamperConfig struct {
	Enabled          bool           `yaml:"enabled" mapstructure:"enabled"`
	Mode             AntiTamperMode `yaml:"mode" mapstructure:"mode"`
	ValidateChecksum bool           `yaml:"validate_checksum" mapstructure:"validate_checksum"`
	ValidateSignature bool          `yaml:"validate_signature" mapstructure:"validate_signature"`
	CorruptOnTamper  bool           `yaml:"corrupt_on_tamper" mapstructure:"corrupt_on_tamper"`
}

// WatermarkConfig controls the watermarking pass.
type WatermarkConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Marker  string `yaml:"marker,omitempty" mapstructure:"marker,omitempty"`
}

// PreservationConfig lists what the renaming, string-encryption, and
// control-flow passes must leave untouched.
type PreservationConfig struct {
	ExcludedNamespaces []string `yaml:"excluded_namespaces" mapstructure:"excluded_namespaces"`
	ExcludedTypes      []string `yaml:"excluded_types" mapstructure:"excluded_types"`
	ExcludedMethods    []string `yaml:"excluded_methods" mapstructure:"excluded_methods"`
	PreservePublicAPI  bool     `yaml:"preserve_public_api" mapstructure:"preserve_public_api"`
	PreserveDebugSymbols     bool `yaml:"preserve_debug_symbols" mapstructure:"preserve_debug_symbols"`
	PreserveCustomAttributes bool `yaml:"preserve_custom_attributes" mapstructure:"preserve_custom_attributes"`
}

// ObfuscationConfig bundles every pass's nested settings, mirroring the
// nested-struct-under-one-key shape the teacher's own config uses.
type ObfuscationConfig struct {
	Renaming         RenamingConfig          `yaml:"renaming" mapstructure:"renaming"`
	StringEncryption StringEncryptionConfig  `yaml:"encryption" mapstructure:"encryption"`
	ControlFlow      ControlFlowConfig       `yaml:"control_flow" mapstructure:"control_flow"`
	AntiDebug        AntiDebugConfig         `yaml:"anti_debug" mapstructure:"anti_debug"`
	AntiTamper       AntiTamperConfig        `yaml:"anti_tamper" mapstructure:"anti_tamper"`
	Watermark        WatermarkConfig         `yaml:"watermark" mapstructure:"watermark"`
}

// Config is the flat settings struct the rest of the pipeline reads.
// Struct tags control how Viper maps config-file keys and environment
// variables onto it, following the teacher's convention of a flat
// working struct fed by a nested on-disk schema.
type Config struct {
	InputPath  string `mapstructure:"input_path" yaml:"input_path"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	Level Level `mapstructure:"level" yaml:"level"`

	Silent    bool      `mapstructure:"silent" yaml:"silent"`
	DebugMode DebugMode `mapstructure:"debug_mode" yaml:"debug_mode"`

	Optimization OptimizationMode `mapstructure:"optimization" yaml:"optimization"`

	Seed     int64 `mapstructure:"seed" yaml:"seed"`
	UseSeed  bool  `mapstructure:"use_seed" yaml:"use_seed"`

	Obfuscation  ObfuscationConfig   `mapstructure:"obfuscation" yaml:"obfuscation"`
	Preservation PreservationConfig  `mapstructure:"preservation" yaml:"preservation"`

	MappingFilePath string `mapstructure:"mapping_file_path" yaml:"mapping_file_path"`
}

// AbortOnError reports whether a failing pass should abort the run
// instead of being recorded as a diagnostic and continued past, per
// spec.md §4.4/§7: only debug_mode == full re-raises.
func (c *Config) AbortOnError() bool {
	return c.DebugMode == DebugModeFull
}

// Testing mirrors the teacher's package-level flag: tests flip this to
// silence informational printing regardless of the loaded Silent value.
var Testing bool

// PrintInfo prints unless Testing is set, exactly like the teacher's
// helper of the same name.
func PrintInfo(format string, args ...interface{}) {
	if !Testing {
		fmt.Printf(format, args...)
	}
}

var defaults = map[string]interface{}{
	"level":              "normal",
	"silent":             false,
	"debug_mode":         string(DebugModeNone),
	"optimization":       string(OptimizationBalanced),
	"use_seed":           false,
	"seed":               int64(0),
	"output_path":        "",
	"mapping_file_path":  "",
}

// LoadConfig reads configuration from a YAML file at configPath, falling
// back to DefaultConfig when configPath is empty and no "goprotect.yaml"
// is present in the working directory. An explicitly named path that
// doesn't exist is a hard error, mirroring the teacher's LoadConfig.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := configPath != ""
	if configPath == "" {
		configPath = "goprotect.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling config file %s: %w", configPath, err)
		}
		if !cfg.Silent {
			PrintInfo("Info: Loaded configuration from %s\n", configPath)
		}
	} else if os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("specified config file not found: %s", configPath)
		}
		PrintInfo("Info: Configuration file 'goprotect.yaml' not found, using default settings.\n")
	} else {
		return nil, fmt.Errorf("error checking config file %s: %w", configPath, err)
	}

	if cfg.OutputPath != "" {
		cfg.OutputPath = filepath.Clean(cfg.OutputPath)
	}
	return cfg, nil
}

// SaveConfig writes the default configuration to configPath as YAML.
func SaveConfig(configPath string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshalling default config: %w", err)
	}
	if dir := filepath.Dir(configPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating directory for config file %s: %w", configPath, err)
		}
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configPath, err)
	}
	PrintInfo("Info: Saved default configuration to %s\n", configPath)
	return nil
}

// DefaultConfig returns the configuration a fresh "normal"-level
// protection run uses when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Level:        LevelNormal,
		DebugMode:    DebugModeNone,
		Optimization: OptimizationBalanced,
		Obfuscation: ObfuscationConfig{
			Renaming: RenamingConfig{
				Enabled:           true,
				Scheme:            "alphanumeric",
				Intensity:         "",
				RenameFields:      true,
				RenameProperties:  true,
				RenameEvents:      true,
				RenameEnumMembers: false,
				FlattenNamespaces: false,
			},
			StringEncryption: StringEncryptionConfig{
				Enabled:            true,
				Algorithm:          string(AlgorithmSymmetricBlock),
				EncryptStrings:     true,
				EncryptMethods:     false,
				EncryptResources:   false,
				DynamicDecryption:  false,
			},
			ControlFlow: ControlFlowConfig{
				Enabled:             true,
				Mode:                ControlFlowModeNormal,
				ComplexityThreshold: 3,
				InsertJunkBlocks:    false,
				SplitMethods:        false,
				OpaquePredicates:    true,
				ShortenBranches:     true,
			},
			AntiDebug: AntiDebugConfig{
				Enabled:         true,
				PeriodicRecheck: true,
			},
			AntiTamper: AntiTamperConfig{
				Enabled:           true,
				Mode:              AntiTamperModeNormal,
				ValidateChecksum:  true,
				ValidateSignature: false,
				CorruptOnTamper:   true,
			},
			Watermark: WatermarkConfig{
				Enabled: true,
				Marker:  "goprotect",
			},
		},
		Preservation: PreservationConfig{
			ExcludedNamespaces: []string{},
			ExcludedTypes:      []string{},
			ExcludedMethods:    []string{},
			PreservePublicAPI:  false,
		},
	}
}

// bindEnv registers the GOPROTECT_-prefixed environment variable for a
// viper key, following the teacher's bindEnv helper one-for-one.
func bindEnv(v *viper.Viper, key string) {
	envKey := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	_ = v.BindEnv(key, "GOPROTECT_"+envKey)
}

// BindEnvironment wires every top-level and obfuscation.* key to its
// GOPROTECT_ environment variable counterpart on the given viper
// instance, for callers (the CLI) that want env-var overrides layered
// under an explicit config file.
func BindEnvironment(v *viper.Viper) {
	for key := range defaults {
		bindEnv(v, key)
	}
	for _, key := range []string{
		"obfuscation.renaming.enabled",
		"obfuscation.renaming.scheme",
		"obfuscation.renaming.intensity",
		"obfuscation.encryption.enabled",
		"obfuscation.encryption.algorithm",
		"obfuscation.encryption.dynamic_decryption",
		"obfuscation.control_flow.enabled",
		"obfuscation.control_flow.mode",
		"obfuscation.anti_debug.enabled",
		"obfuscation.anti_tamper.enabled",
		"obfuscation.anti_tamper.mode",
		"obfuscation.watermark.enabled",
	} {
		bindEnv(v, key)
	}
}

// EffectiveIntensity resolves a pass's intensity, falling back to the
// configuration's overall Level when the pass has no explicit override —
// the same "specific setting wins, else the coarse dial" precedence the
// teacher's nested-to-flat config mapping establishes for its own
// per-pass toggles.
func (c *Config) EffectiveIntensity(override string) string {
	if override != "" {
		return override
	}
	return string(c.Level)
}
