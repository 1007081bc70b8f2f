package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
)

// ManifestName is the content-root manifest file.
const ManifestName = "stoker.yaml"

// ErrOutsideRoot reports a document path escaping the content root.
var ErrOutsideRoot = errors.New("path outside content root")

// Manifest configures a content root. Every field is optional; an absent
// manifest means "serve every .html under the root with defaults".
type Manifest struct {
	Name     string   `yaml:"name"`
	Entry    string   `yaml:"entry"`    // document to open first
	Kind     string   `yaml:"kind"`     // preferred session kind
	Image    string   `yaml:"image"`    // image to provision when remote
	Patterns []string `yaml:"patterns"` // doublestar globs relative to root
}

// DefaultManifest is used when the root carries no stoker.yaml.
func DefaultManifest() *Manifest {
	return &Manifest{Patterns: []string{"**/*.html"}}
}

// LoadManifest reads the root's manifest, falling back to defaults when
// the file is absent.
func LoadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return DefaultManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(manifest.Patterns) == 0 {
		manifest.Patterns = []string{"**/*.html"}
	}
	return &manifest, nil
}

// Ref points at one document under the root.
type Ref struct {
	Path  string `json:"path"` // relative to root, slash-separated
	Size  int64  `json:"size"`
	Title string `json:"title,omitempty"`
}

// Scanner finds documents under a content root.
type Scanner struct {
	root     string
	manifest *Manifest
}

// NewScanner creates a scanner for the given root and manifest.
func NewScanner(root string, manifest *Manifest) *Scanner {
	if manifest == nil {
		manifest = DefaultManifest()
	}
	return &Scanner{root: root, manifest: manifest}
}

// Root returns the content root.
func (s *Scanner) Root() string {
	return s.root
}

// Manifest returns the active manifest.
func (s *Scanner) Manifest() *Manifest {
	return s.manifest
}

// Scan walks the root and returns documents matching the manifest
// patterns, sorted by path. fastwalk runs callbacks from several
// goroutines, hence the mutex around the result slice.
func (s *Scanner) Scan(ctx context.Context) ([]Ref, error) {
	var (
		mu   sync.Mutex
		refs []Ref
	)
	conf := fastwalk.Config{Follow: false}

	err := fastwalk.Walk(&conf, s.root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !s.matches(rel) {
			return nil
		}

		ref := Ref{Path: rel}
		if info, infoErr := d.Info(); infoErr == nil {
			ref.Size = info.Size()
		}

		mu.Lock()
		refs = append(refs, ref)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

// Resolve maps a relative document path to an absolute one, refusing
// anything that would escape the root.
func (s *Scanner) Resolve(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return filepath.Join(s.root, cleaned), nil
}

// matches tests a relative path against the manifest patterns.
func (s *Scanner) matches(rel string) bool {
	for _, pattern := range s.manifest.Patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
