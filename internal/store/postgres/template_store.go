package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// TemplateStore implements domain.TemplateStore and domain.TemplateWriter
// using PostgreSQL. Each row holds one immutable template version as JSONB.
type TemplateStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.TemplateStore  = (*TemplateStore)(nil)
	_ domain.TemplateWriter = (*TemplateStore)(nil)
)

// NewTemplateStore creates a new TemplateStore backed by the given connection pool.
func NewTemplateStore(pool *pgxpool.Pool) *TemplateStore {
	return &TemplateStore{pool: pool}
}

// Put stores a new template version. Existing versions are never replaced.
func (s *TemplateStore) Put(ctx context.Context, t domain.RuleTemplate) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("postgres: put template: %w", err)
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("postgres: marshal template %s: %w", t.ID, err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO rule_templates (id, version, name, document) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id, version) DO NOTHING`,
		t.ID, t.Version, t.Name, doc)
	if err != nil {
		return fmt.Errorf("postgres: put template %s v%d: %w", t.ID, t.Version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: template %s v%d: %w", t.ID, t.Version, domain.ErrAlreadyExists)
	}
	return nil
}

// Get returns one template version.
func (s *TemplateStore) Get(ctx context.Context, id string, version int) (domain.RuleTemplate, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM rule_templates WHERE id = $1 AND version = $2`, id, version,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RuleTemplate{}, fmt.Errorf("postgres: template %s v%d: %w", id, version, domain.ErrNotFound)
		}
		return domain.RuleTemplate{}, fmt.Errorf("postgres: get template %s v%d: %w", id, version, err)
	}
	var t domain.RuleTemplate
	if err := json.Unmarshal(doc, &t); err != nil {
		return domain.RuleTemplate{}, fmt.Errorf("postgres: unmarshal template %s v%d: %w", id, version, err)
	}
	return t, nil
}

// List returns every template version ordered by id and version.
func (s *TemplateStore) List(ctx context.Context) ([]domain.RuleTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM rule_templates ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.RuleTemplate
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: scan template: %w", err)
		}
		var t domain.RuleTemplate
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal template: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list templates rows: %w", err)
	}
	return out, nil
}
