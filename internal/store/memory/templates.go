package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// TemplateStore implements domain.TemplateStore and domain.TemplateWriter.
type TemplateStore struct{ v view }

var (
	_ domain.TemplateStore  = (*TemplateStore)(nil)
	_ domain.TemplateWriter = (*TemplateStore)(nil)
)

func templateKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// Put stores a template version. Versions are immutable once written.
func (s *TemplateStore) Put(_ context.Context, t domain.RuleTemplate) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("memory: put template: %w", err)
	}
	return s.v.write(func(st *state) error {
		k := templateKey(t.ID, t.Version)
		if _, ok := st.templates[k]; ok {
			return fmt.Errorf("memory: template %s: %w", k, domain.ErrAlreadyExists)
		}
		st.templates[k] = t
		return nil
	})
}

func (s *TemplateStore) Get(_ context.Context, id string, version int) (domain.RuleTemplate, error) {
	var t domain.RuleTemplate
	err := s.v.read(func(st *state) error {
		got, ok := st.templates[templateKey(id, version)]
		if !ok {
			return fmt.Errorf("memory: template %s: %w", templateKey(id, version), domain.ErrNotFound)
		}
		t = got
		return nil
	})
	return t, err
}

func (s *TemplateStore) List(_ context.Context) ([]domain.RuleTemplate, error) {
	var out []domain.RuleTemplate
	err := s.v.read(func(st *state) error {
		for _, t := range st.templates {
			out = append(out, t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, err
}
