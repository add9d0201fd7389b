package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir loads every .yaml/.yml policy file in dir into the engine.
// Files are loaded in lexical order, so a later file can replace a
// policy defined by an earlier one or by the builtins.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read policy dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		var p Policy
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to parse policy file %s: %w", path, err)
		}
		if p.Name == "" {
			return fmt.Errorf("policy file %s has no name", path)
		}
		if err := e.Load(ctx, &p); err != nil {
			return fmt.Errorf("failed to load policy file %s: %w", path, err)
		}
		loaded++
	}

	e.logger.Info().Int("policies", loaded).Str("dir", dir).Msg("policy directory loaded")
	return nil
}
