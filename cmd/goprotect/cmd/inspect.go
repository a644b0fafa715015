package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var inspectMappingFile string

var inspectCmd = &cobra.Command{
	Use:   "inspect <minted-name>",
	Short: "Looks up the original name for a minted identifier",
	Long: `Reads a mapping file written by a previous protect run
(--mapping-file / obfuscation.renaming.mapping_file_path) and reports
the original identifier a minted name was allocated for.`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if inspectMappingFile == "" {
			return fmt.Errorf("--mapping-file (-m) flag is required")
		}
		if _, err := os.Stat(inspectMappingFile); err != nil {
			return fmt.Errorf("mapping file %q not found: %w", inspectMappingFile, err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		minted := args[0]
		cmd.SilenceUsage = true

		f, err := os.Open(inspectMappingFile)
		if err != nil {
			return fmt.Errorf("opening mapping file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			original, mintedName, ok := strings.Cut(line, " => ")
			if !ok || mintedName != minted {
				continue
			}
			fmt.Printf("Found: %q was renamed to %q\n", original, minted)
			return nil
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading mapping file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Error: minted name %q not found in %s\n", minted, inspectMappingFile)
		return fmt.Errorf("name not found")
	},
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectMappingFile, "mapping-file", "m", "", "mapping file written by a previous protect run (required)")
}
