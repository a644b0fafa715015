package cmd

import (
	"fmt"
	"os"

	"github.com/mreshboboyev/goprotect/internal/config"
	"github.com/mreshboboyev/goprotect/internal/moduleio"
	"github.com/mreshboboyev/goprotect/internal/protect"
	"github.com/mreshboboyev/goprotect/internal/random"
	"github.com/mreshboboyev/goprotect/passes/antidebug"
	"github.com/mreshboboyev/goprotect/passes/controlflow"
	"github.com/mreshboboyev/goprotect/passes/renaming"
	"github.com/mreshboboyev/goprotect/passes/stringenc"
	"github.com/mreshboboyev/goprotect/passes/watermark"

	"github.com/spf13/cobra"
)

var (
	inputPath  string
	outputPath string
)

var protectCmd = &cobra.Command{
	Use:   "protect",
	Short: "Run the configured protection passes over a module",
	Long: `Loads the module at --input, runs every enabled pass in dependency
order, and writes the protected result to --output.

Example:
  goprotect protect -i input.mod -o protected.mod -l aggressive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputPath == "" {
			return fmt.Errorf("--input is required")
		}
		if outputPath == "" {
			return fmt.Errorf("--output is required")
		}

		codec := moduleio.NewBinaryCodec()
		module, err := codec.Load(inputPath)
		if err != nil {
			return fmt.Errorf("loading %s: %w", inputPath, err)
		}

		source := randomSource(cfg)
		ctx := protect.NewContext(module, cfg)

		runResult := protect.NewOrchestrator().Run(enabledPasses(cfg, source), ctx)
		for _, d := range runResult.Diagnostics {
			if !cfg.Silent {
				fmt.Fprintln(os.Stderr, d.String())
			}
		}
		if runResult.Err != nil {
			return fmt.Errorf("protection run: %w", runResult.Err)
		}

		finalizer := protect.NewFinalizer()
		finalizer.Codec = codec
		stripDebugSymbols := !cfg.Preservation.PreserveDebugSymbols
		if err := finalizer.Finalize(module, stripDebugSymbols, outputPath); err != nil {
			return fmt.Errorf("writing %s: %w", outputPath, err)
		}

		if !cfg.Silent {
			config.PrintInfo("Applied %d pass(es) in %s; wrote %s\n",
				len(runResult.AppliedIDs), runResult.Duration, outputPath)
		}
		return nil
	},
}

func randomSource(cfg *config.Config) random.Source {
	if cfg.UseSeed {
		return random.NewSeeded(cfg.Seed)
	}
	return random.NewCrypto()
}

func enabledPasses(cfg *config.Config, source random.Source) []protect.Pass {
	var out []protect.Pass
	obf := cfg.Obfuscation
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

func init() {
	protectCmd.Flags().StringVarP(&inputPath, "input", "i", "", "path to the module to protect")
	protectCmd.Flags().StringVarP(&outputPath, "output", "o", "", "path to write the protected module to")
}
