// Package cmd implements the command line interface for goprotect.
package cmd

import (
	"fmt"
	"os"

	"github.com/mreshboboyev/goprotect/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config

	silentMode    bool
	debugModeFlag string
	levelFlag     string
	noRenaming    bool
	noStringEnc   bool
	noControlFlow bool
	noAntiDebug   bool
	useSeed       bool
	seed          int64
)

var rootCmd = &cobra.Command{
	Use:   "goprotect",
	Short: "A CLI tool to protect managed modules against reverse engineering.",
	Long: `goprotect renames identifiers, encrypts string literals, flattens
control flow, injects anti-debug/anti-tamper checks, and watermarks a
managed module, producing a protected module that behaves identically
to the input but is substantially harder to read and re-analyse.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			loadedCfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("error loading configuration: %w", err)
			}
			cfg = loadedCfg
			applyFlagOverrides(cfg, cmd)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// applyFlagOverrides applies command-line flag values to cfg, but only
// where the user actually passed the flag — an unset flag must never
// clobber a value the config file set explicitly.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command) {
	if cmd.Flags().Changed("silent") {
		cfg.Silent = silentMode
	}
	if cmd.Flags().Changed("debug-mode") {
		cfg.DebugMode = config.DebugMode(debugModeFlag)
	}
	if cmd.Flags().Changed("level") {
		cfg.Level = config.Level(levelFlag)
	}
	if cmd.Flags().Changed("no-renaming") {
		cfg.Obfuscation.Renaming.Enabled = !noRenaming
	}
	if cmd.Flags().Changed("no-stringenc") {
		cfg.Obfuscation.StringEncryption.Enabled = !noStringEnc
	}
	if cmd.Flags().Changed("no-controlflow") {
		cfg.Obfuscation.ControlFlow.Enabled = !noControlFlow
	}
	if cmd.Flags().Changed("no-antidebug") {
		cfg.Obfuscation.AntiDebug.Enabled = !noAntiDebug
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
		cfg.UseSeed = true
	} else if cmd.Flags().Changed("use-seed") {
		cfg.UseSeed = useSeed
	}
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./goprotect.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&silentMode, "silent", "s", false, "suppress informational output")
	rootCmd.PersistentFlags().StringVar(&debugModeFlag, "debug-mode", "", "debug mode: none, symbols-only, full (full re-raises the first pass failure instead of continuing)")
	rootCmd.PersistentFlags().StringVarP(&levelFlag, "level", "l", "", "protection level: light, normal, aggressive")
	rootCmd.PersistentFlags().BoolVar(&noRenaming, "no-renaming", false, "disable identifier renaming")
	rootCmd.PersistentFlags().BoolVar(&noStringEnc, "no-stringenc", false, "disable string literal encryption")
	rootCmd.PersistentFlags().BoolVar(&noControlFlow, "no-controlflow", false, "disable control flow flattening")
	rootCmd.PersistentFlags().BoolVar(&noAntiDebug, "no-antidebug", false, "disable anti-debug/anti-tamper injection")
	rootCmd.PersistentFlags().BoolVar(&useSeed, "use-seed", false, "use a fixed random seed for reproducible output")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "random seed (implies --use-seed)")

	rootCmd.AddCommand(protectCmd)
	rootCmd.AddCommand(inspectCmd)
}
