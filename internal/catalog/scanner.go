package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/warden-sh/warden/internal/fleet"
	"github.com/warden-sh/warden/pkg/api"
)

// RootSpec names one directory to scan and the kind assumed for files that
// cannot be classified by content.
type RootSpec struct {
	Dir      string
	KindHint api.ServerKind
}

// Scanner walks scan roots and produces server descriptors by static
// inspection. It never executes a candidate file.
type Scanner struct {
	allow   map[string]bool
	exclude []string
}

// NewScanner builds a scanner. allowNames is an exact-basename allow-list
// (empty means everything passes); excludeDirs entries are matched as
// substrings of the full path.
func NewScanner(allowNames, excludeDirs []string) *Scanner {
	s := &Scanner{exclude: excludeDirs}
	if len(allowNames) > 0 {
		s.allow = make(map[string]bool, len(allowNames))
		for _, n := range allowNames {
			s.allow[n] = true
		}
	}
	return s
}

// Scan walks each root and returns one descriptor per candidate server.
// A single unreadable file is skipped with a warning. A root that cannot be
// walked at all is reported as an error, with the remaining roots still
// scanned: callers treating the result as the complete fleet (removal
// detection) must not do so when an error comes back. Scanning an unchanged
// tree twice yields value-equal descriptors.
func (s *Scanner) Scan(roots []RootSpec) ([]fleet.Descriptor, error) {
	var descs []fleet.Descriptor
	var failed []error
	seen := make(map[string]string) // id -> path

	for _, root := range roots {
		err := filepath.WalkDir(root.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root.Dir {
					return err
				}
				log.Warn().Err(err).Str("path", path).Msg("scan: skipping unreadable entry")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if skipDir(d.Name()) || s.excluded(path) {
					return fs.SkipDir
				}
				return nil
			}
			if !s.candidate(path, d.Name()) {
				return nil
			}
			desc, ok := s.inspect(path, root.KindHint)
			if !ok {
				return nil
			}
			if prev, dup := seen[desc.ID]; dup {
				if prev != desc.Path {
					log.Warn().
						Str("server", desc.ID).
						Str("path", desc.Path).
						Str("existing", prev).
						Msg("scan: duplicate server id, keeping first")
				}
				return nil
			}
			seen[desc.ID] = desc.Path
			descs = append(descs, desc)
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("root", root.Dir).Msg("scan: root walk failed")
			failed = append(failed, fmt.Errorf("scan root %s: %w", root.Dir, err))
		}
	}
	return descs, errors.Join(failed...)
}

func skipDir(name string) bool {
	if name == "__pycache__" || name == "node_modules" {
		return true
	}
	return strings.HasPrefix(name, ".") && name != "."
}

func (s *Scanner) excluded(path string) bool {
	for _, sub := range s.exclude {
		if sub != "" && strings.Contains(path, sub) {
			return true
		}
	}
	return false
}

func (s *Scanner) candidate(path, name string) bool {
	if !strings.HasSuffix(name, ".py") {
		return false
	}
	stem := strings.TrimSuffix(name, ".py")
	if strings.HasPrefix(name, "test_") || strings.HasSuffix(stem, "_test") {
		return false
	}
	if s.allow != nil && !s.allow[name] {
		return false
	}
	return s.excluded(path) == false
}

// inspect reads the candidate and classifies it. Pure static analysis.
func (s *Scanner) inspect(path string, hint api.ServerKind) (fleet.Descriptor, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("scan: cannot read candidate")
		return fleet.Descriptor{}, false
	}
	content := string(data)
	kind := DetectKind(content, hint)
	return fleet.Descriptor{
		ID:           strings.TrimSuffix(filepath.Base(path), ".py"),
		Path:         path,
		Kind:         kind,
		DeclaredPort: DetectPort(content),
		Protocol:     DetectProtocol(kind),
		Description:  ExtractDescription(content),
		AutoStart:    true,
	}, true
}
