// Package goprotect provides the public API for running a protection
// pass over a managed module programmatically, the same techniques
// available through the command-line interface.
//
// Basic usage example:
//
//	p, err := goprotect.New(goprotect.Options{ConfigPath: "goprotect.yaml"})
//	if err != nil {
//	    log.Fatalf("failed to create protector: %v", err)
//	}
//
//	result, err := p.Protect("input.mod", "output.mod")
//	if err != nil {
//	    log.Fatalf("failed to protect module: %v", err)
//	}
//
//	fmt.Printf("applied %d passes\n", len(result.AppliedPasses))
package goprotect

import (
	"fmt"

	"github.com/mreshboboyev/goprotect/internal/config"
	"github.com/mreshboboyev/goprotect/internal/moduleio"
	"github.com/mreshboboyev/goprotect/internal/protect"
	"github.com/mreshboboyev/goprotect/internal/random"
	"github.com/mreshboboyev/goprotect/passes/antidebug"
	"github.com/mreshboboyev/goprotect/passes/controlflow"
	"github.com/mreshboboyev/goprotect/passes/renaming"
	"github.com/mreshboboyev/goprotect/passes/stringenc"
	"github.com/mreshboboyev/goprotect/passes/watermark"
)

// PrintInfo prints formatted information to stdout, respecting the
// config.Testing flag. Forwards to the internal config.PrintInfo helper.
func PrintInfo(format string, args ...interface{}) {
	config.PrintInfo(format, args...)
}

// Options configures a new Protector.
type Options struct {
	// ConfigPath is the path to a YAML configuration file. If empty,
	// default configuration is used.
	ConfigPath string

	// Silent suppresses informational messages during protection.
	Silent bool
}

// Protector runs configured passes over a module loaded via ModuleIO.
type Protector struct {
	Config *config.Config
	Codec  moduleio.Codec
}

// New creates a Protector from options, loading configuration from
// options.ConfigPath (or defaults, if empty).
func New(options Options) (*Protector, error) {
	cfg, err := config.LoadConfig(options.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("goprotect: load configuration: %w", err)
	}
	if options.Silent {
		cfg.Silent = true
	}
	return &Protector{Config: cfg, Codec: moduleio.NewBinaryCodec()}, nil
}

// Result reports what a Protect call did. Success reports whether the
// run completed with no pass errors, mirroring spec.md §4.4's
// "success is errors.empty" — callers that only need a yes/no verdict
// can check Success instead of inspecting Diagnostics by hand.
type Result struct {
	Success       bool
	AppliedPasses []string
	Errors        []error
	Diagnostics   []string
	Duration      string
}

// Protect loads the module at inputPath, runs every enabled pass in
// order, finalizes the result, and writes it to outputPath.
//
// A fatal failure before or during the orchestrator run (a load error,
// a dependency cycle, a pass conflict, or — when debug_mode is full — a
// re-raised pass error) is surfaced both as the returned error and as
// Result.Success == false with that failure appended to Result.Errors,
// so callers that inspect only the Result still see it.
func (p *Protector) Protect(inputPath, outputPath string) (Result, error) {
	module, err := p.Codec.Load(inputPath)
	if err != nil {
		loadErr := fmt.Errorf("goprotect: load %s: %w", inputPath, err)
		return Result{Success: false, Errors: []error{loadErr}}, loadErr
	}

	source := p.randomSource()
	ctx := protect.NewContext(module, p.Config)

	runResult := protect.NewOrchestrator().Run(p.enabledPasses(source), ctx)

	var diagMessages []string
	var errs []error
	for _, d := range runResult.Diagnostics {
		diagMessages = append(diagMessages, d.String())
	}
	for _, pr := range runResult.PassResults {
		if pr.Err != nil {
			errs = append(errs, fmt.Errorf("pass %s: %w", pr.PassID, pr.Err))
		}
	}

	if runResult.Err != nil {
		runErr := fmt.Errorf("goprotect: protection run: %w", runResult.Err)
		errs = append(errs, runErr)
		return Result{
			Success:       false,
			AppliedPasses: runResult.AppliedIDs,
			Errors:        errs,
			Diagnostics:   diagMessages,
			Duration:      runResult.Duration.String(),
		}, runErr
	}

	finalizer := protect.NewFinalizer()
	finalizer.Codec = p.Codec
	stripDebugSymbols := !p.Config.Preservation.PreserveDebugSymbols
	if err := finalizer.Finalize(module, stripDebugSymbols, outputPath); err != nil {
		finalizeErr := fmt.Errorf("goprotect: finalize: %w", err)
		errs = append(errs, finalizeErr)
		return Result{
			Success:       false,
			AppliedPasses: runResult.AppliedIDs,
			Errors:        errs,
			Diagnostics:   diagMessages,
			Duration:      runResult.Duration.String(),
		}, finalizeErr
	}

	return Result{
		Success:       len(errs) == 0,
		AppliedPasses: runResult.AppliedIDs,
		Errors:        errs,
		Diagnostics:   diagMessages,
		Duration:      runResult.Duration.String(),
	}, nil
}

// randomSource picks a seeded, reproducible source when the
// configuration names a seed, and an unseeded cryptographic source
// otherwise — the same choice spec.md's reproducibility requirement
// forces at the CLI boundary.
func (p *Protector) randomSource() random.Source {
	if p.Config.UseSeed {
		return random.NewSeeded(p.Config.Seed)
	}
	return random.NewCrypto()
}

// enabledPasses builds the pass list the orchestrator runs, honoring
// each pass's Enabled toggle in the loaded configuration.
func (p *Protector) enabledPasses(source random.Source) []protect.Pass {
	var out []protect.Pass
	obf := p.Config.Obfuscation
	if obf.Renaming.Enabled {
		out = append(out, renaming.New(source))
	}
	if obf.StringEncryption.Enabled {
		out = append(out, stringenc.New(source))
	}
	if obf.ControlFlow.Enabled {
		out = append(out, controlflow.New(source))
	}
	if obf.AntiDebug.Enabled {
		out = append(out, antidebug.New(source))
	}
	if obf.Watermark.Enabled {
		out = append(out, watermark.New())
	}
	return out
}
