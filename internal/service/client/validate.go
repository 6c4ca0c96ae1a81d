package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/overwatch/internal/domain/rule"
	"github.com/oshokin/overwatch/internal/service/rules"
)

// errInvalidRules is returned when at least one path failed to parse.
var errInvalidRules = errors.New("invalid rule files")

// ValidateRules parses every path, which may be a rule file or a directory of
// them, and reports one line per path to output.
func ValidateRules(paths []string, output io.Writer) error {
	failed := 0

	for _, path := range paths {
		parsed, err := parseRules(path)
		if err != nil {
			failed++

			_, _ = fmt.Fprintf(output, "FAIL %s: %v\n", path, err)

			continue
		}

		ids := make([]string, 0, len(parsed))
		for _, r := range parsed {
			ids = append(ids, r.ID)
		}

		_, _ = fmt.Fprintf(output, "ok   %s: %d rule(s) %s\n", path, len(parsed), strings.Join(ids, ", "))
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidRules, failed, len(paths))
	}

	return nil
}

func parseRules(path string) ([]*rule.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return rules.ReadDir(path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	return rule.ParseAll(data, path)
}
