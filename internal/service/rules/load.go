package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/oshokin/overwatch/internal/domain/rule"
	"github.com/oshokin/overwatch/internal/logger"
)

// ReadDir parses every *.yaml and *.yml file under dir. Files are read in
// lexical order and a later definition of a rule id wins. A missing directory
// yields no rules.
func ReadDir(dir string) ([]*rule.Rule, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() {
			return nil
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}

		return nil
	})

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("walk rules directory: %w", err)
	}

	slices.Sort(paths)

	var result []*rule.Rule

	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // Paths come from the configured rules directory.
		if err != nil {
			return nil, fmt.Errorf("read rule file: %w", err)
		}

		parsed, err := rule.ParseAll(data, path)
		if err != nil {
			return nil, err
		}

		result = append(result, parsed...)
	}

	return result, nil
}

// LoadDir reads the rule files under dir into the engine. Nothing is loaded
// when any file fails to parse.
func (e *Engine) LoadDir(ctx context.Context, dir string) (int, error) {
	parsed, err := ReadDir(dir)
	if err != nil {
		return 0, err
	}

	for _, r := range parsed {
		e.Upsert(r)
	}

	logger.InfoKV(ctx, "Rules loaded", "dir", dir, "rules", len(parsed))

	return len(parsed), nil
}
