package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// FileStore serves rule templates from a directory of YAML documents, one
// template version per file.
type FileStore struct {
	dir string

	mu        sync.RWMutex
	templates map[string]domain.RuleTemplate
}

var _ domain.TemplateStore = (*FileStore)(nil)

// NewFileStore loads every *.yaml / *.yml file under dir.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func key(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// Reload re-reads the directory. On error the previously loaded set stays
// in place.
func (s *FileStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("rules: read template dir: %w", err)
	}
	loaded := make(map[string]domain.RuleTemplate)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		t, err := LoadTemplateFile(path)
		if err != nil {
			return err
		}
		k := key(t.ID, t.Version)
		if _, dup := loaded[k]; dup {
			return fmt.Errorf("rules: %s: template %s defined twice", path, k)
		}
		loaded[k] = t
	}

	s.mu.Lock()
	s.templates = loaded
	s.mu.Unlock()
	return nil
}

// LoadTemplateFile decodes and validates a single template document.
func LoadTemplateFile(path string) (domain.RuleTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RuleTemplate{}, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return ParseTemplate(data, path)
}

// ParseTemplate decodes a YAML template document. name is used in errors.
func ParseTemplate(data []byte, name string) (domain.RuleTemplate, error) {
	var t domain.RuleTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return domain.RuleTemplate{}, fmt.Errorf("rules: decode %s: %w", name, err)
	}
	if err := t.Validate(); err != nil {
		return domain.RuleTemplate{}, fmt.Errorf("rules: %s: %w", name, err)
	}
	return t, nil
}

func (s *FileStore) Get(_ context.Context, id string, version int) (domain.RuleTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[key(id, version)]
	if !ok {
		return domain.RuleTemplate{}, fmt.Errorf("rules: template %s: %w", key(id, version), domain.ErrNotFound)
	}
	return t, nil
}

func (s *FileStore) List(_ context.Context) ([]domain.RuleTemplate, error) {
	s.mu.RLock()
	out := make([]domain.RuleTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
