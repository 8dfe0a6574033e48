package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error naming the files Initialize would overwrite.
func CheckExisting(dir string) error {
	var existing []string
	for _, name := range []string{ConfigFile, ModelFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			existing = append(existing, name)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("linker already initialized\n\nFound existing")
	if len(existing) == 1 {
		fmt.Fprintf(&b, ": %s\n", existing[0])
	} else {
		b.WriteString(" files:\n")
		for _, name := range existing {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}
	b.WriteString("\nUse 'linkctl init --force' to reinitialize (this will overwrite existing configuration)")
	return fmt.Errorf("%s", b.String())
}
