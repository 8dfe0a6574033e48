package commands

import (
	"path/filepath"

	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	initDir   string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter linker.yml and model.yml",
	Long: `Write a starter linker.yml and model.yml.

linker.yml carries every setting at its default value, commented out.
model.yml holds the built-in scoring weights so they can be tuned.

Existing files are left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write the files into")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	created, err := scaffold.Initialize(initDir, initForce)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Initialized linker configuration in %s\n", initDir)
	for _, f := range created {
		printer.Step("  created %s\n", filepath.Join(initDir, f))
	}
	printer.Info("\nRegister a record set next:\n  linkctl recordset add <id>\n")
	return nil
}
