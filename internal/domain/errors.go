package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrLockHeld        = errors.New("lock already held")
	ErrClosedImmutable = errors.New("closed record is immutable")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// ValidationError reports a malformed input record. It never aborts a batch.
type ValidationError struct {
	TicketID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.TicketID == "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: ticket %s: %s: %s", e.TicketID, e.Field, e.Reason)
}

// ConflictAmbiguousError reports a ticket collision the resolver cannot
// disambiguate. The incoming record is held pending for manual review.
type ConflictAmbiguousError struct {
	AccountID  string
	TicketID   string
	Candidates []string
	Reason     string
}

func (e *ConflictAmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous conflict: account %s ticket %s: %s (candidates %v)",
		e.AccountID, e.TicketID, e.Reason, e.Candidates)
}

// StorageError reports an unavailable repository. The whole pass aborts
// without committing and is safe to retry.
type StorageError struct {
	AccountID string
	AsOf      time.Time
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s (account %s, asOf %s): %v",
		e.Op, e.AccountID, e.AsOf.Format(time.RFC3339), e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RuleTemplateMissingError reports that no template is bound to the
// account's phase. The evaluator leaves the phase state unchanged.
type RuleTemplateMissingError struct {
	AccountID       string
	TemplateID      string
	TemplateVersion int
	Phase           Phase
}

func (e *RuleTemplateMissingError) Error() string {
	return fmt.Sprintf("rule template missing: account %s template %s v%d phase %s",
		e.AccountID, e.TemplateID, e.TemplateVersion, e.Phase)
}
