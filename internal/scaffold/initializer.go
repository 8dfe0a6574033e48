// Package scaffold writes a starter linker configuration.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/linker/internal/config"
	"github.com/dyluth/linker/internal/matcher"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// Files created by Initialize, relative to the target directory.
const (
	ConfigFile = "linker.yml"
	ModelFile  = "model.yml"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes linker.yml and model.yml into dir. With force, existing
// files are replaced; otherwise their presence is an error.
func Initialize(dir string, force bool) ([]string, error) {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	created := make([]string, 0, len(files))
	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		created = append(created, file.Path)
	}

	if err := validateCreatedFiles(dir); err != nil {
		return nil, err
	}
	return created, nil
}

// getTemplateFiles renders every file Initialize writes.
func getTemplateFiles() ([]FileInfo, error) {
	linkerYml, err := templatesFS.ReadFile("templates/linker.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read linker.yml template: %w", err)
	}

	model, err := renderModel(matcher.DefaultModel())
	if err != nil {
		return nil, err
	}

	return []FileInfo{
		{Path: ConfigFile, Content: linkerYml, Permissions: 0644},
		{Path: ModelFile, Content: model, Permissions: 0644},
	}, nil
}

// renderModel writes the model's weights as YAML loadable by matcher.LoadModel.
func renderModel(m *matcher.LogisticModel) ([]byte, error) {
	body, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to render model: %w", err)
	}
	header := []byte("# Logistic model: score = sigmoid(bias + sum of weight x feature).\n" +
		"# Features are similarities scaled to [0,100], named {field}.{kind}, e.g. last_name.soundex.\n")
	return append(header, body...), nil
}

// validateCreatedFiles loads the written files the way the daemon will.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	if _, err := matcher.LoadModel(filepath.Join(dir, ModelFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ModelFile, err)
	}
	return nil
}
