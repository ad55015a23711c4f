package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// AccountStore implements domain.AccountStore.
type AccountStore struct{ v view }

var _ domain.AccountStore = (*AccountStore)(nil)

func (s *AccountStore) Create(_ context.Context, acc domain.Account) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.accounts[acc.ID]; ok {
			return fmt.Errorf("memory: create account %s: %w", acc.ID, domain.ErrAlreadyExists)
		}
		now := time.Now().UTC()
		if acc.CreatedAt.IsZero() {
			acc.CreatedAt = now
		}
		acc.UpdatedAt = now
		st.accounts[acc.ID] = acc
		return nil
	})
}

func (s *AccountStore) GetByID(_ context.Context, id string) (domain.Account, error) {
	var acc domain.Account
	err := s.v.read(func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return fmt.Errorf("memory: account %s: %w", id, domain.ErrNotFound)
		}
		acc = a
		return nil
	})
	return acc, err
}

// UpdateState persists the phase state and snapshot watermark.
func (s *AccountStore) UpdateState(_ context.Context, acc domain.Account) error {
	return s.v.write(func(st *state) error {
		cur, ok := st.accounts[acc.ID]
		if !ok {
			return fmt.Errorf("memory: update account %s: %w", acc.ID, domain.ErrNotFound)
		}
		cur.State = acc.State
		cur.LastSnapshotAt = acc.LastSnapshotAt
		cur.UpdatedAt = time.Now().UTC()
		st.accounts[acc.ID] = cur
		return nil
	})
}

func (s *AccountStore) AssignTemplate(_ context.Context, id, templateID string, version int) error {
	return s.v.write(func(st *state) error {
		cur, ok := st.accounts[id]
		if !ok {
			return fmt.Errorf("memory: assign template to %s: %w", id, domain.ErrNotFound)
		}
		cur.TemplateID = templateID
		cur.TemplateVersion = version
		cur.UpdatedAt = time.Now().UTC()
		st.accounts[id] = cur
		return nil
	})
}

func (s *AccountStore) List(_ context.Context) ([]domain.Account, error) {
	var out []domain.Account
	err := s.v.read(func(st *state) error {
		for _, a := range st.accounts {
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}
