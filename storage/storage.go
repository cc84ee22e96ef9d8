// Package storage persists processed theme assets and hands back the
// root-relative references under which they are served.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultURLPrefix is the root-relative path assets are served under.
const DefaultURLPrefix = "/assets"

// Store is the asset-store capability the asset pipeline depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data under name and returns its reference.
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	// Delete removes the asset behind ref. A missing asset is not an error.
	Delete(ctx context.Context, ref string) error
	// List returns the references of every stored asset.
	List(ctx context.Context) ([]string, error)
}

// Local stores assets as files in a single directory.
type Local struct {
	baseDir   string
	urlPrefix string
	mu        sync.Mutex
}

// NewLocal creates a Local store rooted at baseDir.
func NewLocal(baseDir, urlPrefix string) *Local {
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	return &Local{baseDir: baseDir, urlPrefix: "/" + strings.Trim(urlPrefix, "/")}
}

// EnsureDirs creates the asset directory.
func (s *Local) EnsureDirs() error {
	return os.MkdirAll(s.baseDir, 0o755)
}

// Dir returns the directory assets are written to.
func (s *Local) Dir() string { return s.baseDir }

// URLPrefix returns the path prefix of every reference.
func (s *Local) URLPrefix() string { return s.urlPrefix }

// Put writes the asset atomically: to a temp file first, then renamed.
func (s *Local) Put(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.baseDir, ".asset-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.baseDir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return s.urlPrefix + "/" + name, nil
}

func (s *Local) Delete(_ context.Context, ref string) error {
	name, err := nameFromRef(s.urlPrefix, ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(filepath.Join(s.baseDir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns stored references sorted by name. Temp files are skipped.
func (s *Local) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var refs []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		refs = append(refs, s.urlPrefix+"/"+e.Name())
	}
	sort.Strings(refs)
	return refs, nil
}

func validName(name string) error {
	if name == "" || name != path.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid asset name %q", name)
	}
	return nil
}

func nameFromRef(prefix, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, prefix+"/")
	if !ok {
		return "", fmt.Errorf("reference %q is outside %s", ref, prefix)
	}
	if err := validName(name); err != nil {
		return "", err
	}
	return name, nil
}
