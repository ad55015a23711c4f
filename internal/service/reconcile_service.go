package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/ledger"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/metrics"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/reconcile"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/rules"
)

// Pass modes, used as metric labels and in published events.
const (
	ModeSnapshot = "snapshot"
	ModeImport   = "import"
	ModeReplay   = "replay"
)

// PassNotifier is told about every committed pass.
type PassNotifier interface {
	NotifyPass(ctx context.Context, res domain.PassResult) error
}

// ReconcileConfig holds the tunables of the reconcile service.
type ReconcileConfig struct {
	Merge reconcile.MergeConfig
	// LockTTL bounds how long a crashed pass can keep an account locked.
	LockTTL time.Duration
	// LockWait is how long a pass keeps retrying a held lock.
	LockWait time.Duration
	// LockRetry is the pause between attempts.
	LockRetry time.Duration
	// EventsChannel receives one JSON event per committed pass. Empty
	// disables publishing.
	EventsChannel string
}

// ReconcileDeps are the collaborators of the reconcile service. Archive,
// Bus, Notifier and Metrics are optional.
type ReconcileDeps struct {
	Tx        domain.Transactor
	Templates domain.TemplateStore
	Locks     domain.LockManager
	Archive   domain.SnapshotArchive
	Bus       domain.SignalBus
	Notifier  PassNotifier
	Metrics   *metrics.Metrics
}

// ReconcileService runs reconciliation passes: one account at a time, each
// pass fully committed or fully rolled back.
type ReconcileService struct {
	deps      ReconcileDeps
	cfg       ReconcileConfig
	merger    *reconcile.Merger
	evaluator *rules.Evaluator
	logger    *slog.Logger
}

// NewReconcileService creates a ReconcileService.
func NewReconcileService(deps ReconcileDeps, cfg ReconcileConfig, logger *slog.Logger) *ReconcileService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 50 * time.Millisecond
	}
	logger = logger.With(slog.String("component", "reconcile_service"))
	return &ReconcileService{
		deps:      deps,
		cfg:       cfg,
		merger:    reconcile.NewMerger(cfg.Merge, logger),
		evaluator: rules.NewEvaluator(),
		logger:    logger,
	}
}

// ApplySnapshot archives the raw snapshot, merges it into the ledger and
// re-evaluates the account.
func (s *ReconcileService) ApplySnapshot(ctx context.Context, snap domain.Snapshot) (domain.PassResult, error) {
	if err := validateSnapshot(snap); err != nil {
		return domain.PassResult{}, err
	}
	return s.run(ctx, ModeSnapshot, snap, true)
}

// ImportClosed merges a batch of closed trades, such as a broker history
// export, and re-evaluates the account. Open records are not aged.
func (s *ReconcileService) ImportClosed(ctx context.Context, accountID string, asOf time.Time, closed []domain.PositionDescriptor) (domain.PassResult, error) {
	snap := domain.Snapshot{AccountID: accountID, AsOf: asOf, ClosedPositions: closed}
	if err := validateSnapshot(snap); err != nil {
		return domain.PassResult{}, err
	}
	return s.run(ctx, ModeImport, snap, false)
}

// Replay re-applies every archived snapshot of the account in asOf order.
// A ledger that already saw them stays unchanged.
func (s *ReconcileService) Replay(ctx context.Context, accountID string) ([]domain.PassResult, error) {
	if s.deps.Archive == nil {
		return nil, errors.New("reconcile_service: replay needs a snapshot archive")
	}
	infos, err := s.deps.Archive.List(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reconcile_service: list archive: %w", err)
	}

	results := make([]domain.PassResult, 0, len(infos))
	for _, info := range infos {
		snap, err := s.deps.Archive.Load(ctx, info.Path)
		if err != nil {
			return results, fmt.Errorf("reconcile_service: load %s: %w", info.Path, err)
		}
		if snap.AccountID != accountID {
			s.logger.WarnContext(ctx, "reconcile_service: archived snapshot belongs to another account",
				slog.String("path", info.Path),
				slog.String("account_id", snap.AccountID),
			)
			continue
		}
		res, err := s.run(ctx, ModeReplay, snap, false)
		if err != nil {
			return results, fmt.Errorf("reconcile_service: replay %s: %w", info.Path, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func validateSnapshot(snap domain.Snapshot) error {
	if snap.AccountID == "" {
		return fmt.Errorf("reconcile_service: missing account id: %w", domain.ErrInvalidSnapshot)
	}
	if snap.AsOf.IsZero() {
		return fmt.Errorf("reconcile_service: account %s: missing asOf: %w", snap.AccountID, domain.ErrInvalidSnapshot)
	}
	return nil
}

// run is one locked, transactional pass.
func (s *ReconcileService) run(ctx context.Context, mode string, snap domain.Snapshot, archive bool) (domain.PassResult, error) {
	start := time.Now()

	unlock, err := s.lock(ctx, snap.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			s.deps.Metrics.ObserveLockTimeout(mode)
		}
		return domain.PassResult{}, err
	}
	defer unlock()

	if archive && s.deps.Archive != nil {
		path, err := s.deps.Archive.Archive(ctx, snap)
		if err != nil {
			s.logger.WarnContext(ctx, "reconcile_service: archive snapshot failed",
				slog.String("account_id", snap.AccountID),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.DebugContext(ctx, "reconcile_service: snapshot archived", slog.String("path", path))
		}
	}

	var (
		res     domain.PassResult
		passErr error
	)
	err = s.deps.Tx.InTx(ctx, func(ctx context.Context, tx domain.TxStores) error {
		res, passErr = s.pass(ctx, tx, mode, snap)
		return passErr
	})
	if err != nil {
		if passErr == nil {
			err = &domain.StorageError{AccountID: snap.AccountID, AsOf: snap.AsOf, Op: "commit", Err: err}
		}
		s.deps.Metrics.ObservePass(mode, nil, err, time.Since(start))
		s.logger.ErrorContext(ctx, "reconcile_service: pass rolled back",
			slog.String("mode", mode),
			slog.String("account_id", snap.AccountID),
			slog.Time("as_of", snap.AsOf),
			slog.String("error", err.Error()),
		)
		return domain.PassResult{}, err
	}

	s.deps.Metrics.ObservePass(mode, &res, nil, time.Since(start))
	s.afterCommit(ctx, mode, res)

	s.logger.InfoContext(ctx, "reconcile_service: pass committed",
		slog.String("mode", mode),
		slog.String("account_id", res.AccountID),
		slog.Time("as_of", res.AsOf),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("closed", res.Closed),
		slog.Int("renamed", res.Renamed),
		slog.Int("stale", res.Stale),
		slog.Int("pending", res.Pending),
		slog.Int("skipped", len(res.Skipped)),
		slog.String("phase", string(res.PhaseState.Phase)),
		slog.Duration("took", time.Since(start)),
	)
	return res, nil
}

// pass does the transactional work: normalize, merge, aggregate, evaluate,
// persist. Store failures come back as a *domain.StorageError; conflicts
// the store reports during the merge do not.
func (s *ReconcileService) pass(ctx context.Context, tx domain.TxStores, mode string, snap domain.Snapshot) (domain.PassResult, error) {
	storageErr := func(op string, err error) error {
		return &domain.StorageError{AccountID: snap.AccountID, AsOf: snap.AsOf, Op: op, Err: err}
	}

	acc, err := tx.Accounts.GetByID(ctx, snap.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PassResult{}, fmt.Errorf("reconcile_service: account %s: %w", snap.AccountID, err)
		}
		return domain.PassResult{}, storageErr("load account", err)
	}

	batch := reconcile.Normalize(snap, acc.State.Phase)
	for _, sk := range batch.Skipped {
		s.logger.WarnContext(ctx, "reconcile_service: record skipped",
			slog.String("account_id", acc.ID),
			slog.String("ticket", sk.Record.TicketID.String()),
			slog.String("reason", sk.Reason),
		)
	}

	var st reconcile.Stats
	if mode == ModeImport {
		st, err = s.merger.MergeClosed(ctx, tx, batch)
	} else {
		st, err = s.merger.MergeSnapshot(ctx, tx, acc, batch)
	}
	if err != nil {
		var se *reconcile.StoreError
		if errors.As(err, &se) {
			return domain.PassResult{}, storageErr("merge", err)
		}
		return domain.PassResult{}, fmt.Errorf("reconcile_service: merge %s: %w", acc.ID, err)
	}

	records, err := tx.Ledger.ListByAccount(ctx, acc.ID, domain.ListOpts{})
	if err != nil {
		return domain.PassResult{}, storageErr("list ledger", err)
	}
	sum := ledger.Aggregate(acc, records, snap.AsOf)

	res := domain.PassResult{
		AccountID:   acc.ID,
		AsOf:        snap.AsOf,
		Created:     st.Created,
		Updated:     st.Updated,
		Closed:      st.Closed,
		Renamed:     st.Renamed,
		Stale:       st.Stale,
		Pending:     st.Pending,
		Skipped:     batch.Skipped,
		Diagnostics: st.Diagnostics,
	}
	if res.Skipped == nil {
		res.Skipped = []domain.SkippedRecord{}
	}

	tmpl, err := s.template(ctx, acc)
	if err != nil {
		return domain.PassResult{}, storageErr("load template", err)
	}
	out, err := s.evaluator.Evaluate(acc, tmpl, sum, snap.AsOf)
	var missing *domain.RuleTemplateMissingError
	switch {
	case errors.As(err, &missing):
		res.Diagnostics = append(res.Diagnostics, missing.Error())
		s.logger.WarnContext(ctx, "reconcile_service: no rules for phase",
			slog.String("account_id", acc.ID),
			slog.String("template_id", missing.TemplateID),
			slog.Int("template_version", missing.TemplateVersion),
			slog.String("phase", string(missing.Phase)),
		)
	case err != nil:
		return domain.PassResult{}, fmt.Errorf("reconcile_service: evaluate %s: %w", acc.ID, err)
	}
	res.PhaseState = out.State
	res.Violations = out.Violations
	res.Transition = out.Transition
	res.Diagnostics = append(res.Diagnostics, out.Diagnostics...)

	acc.State = out.State
	if mode != ModeImport && (acc.LastSnapshotAt == nil || snap.AsOf.After(*acc.LastSnapshotAt)) {
		asOf := snap.AsOf.UTC()
		acc.LastSnapshotAt = &asOf
	}
	if err := tx.Accounts.UpdateState(ctx, acc); err != nil {
		return domain.PassResult{}, storageErr("update account", err)
	}

	for _, v := range out.Violations {
		if err := tx.Violations.Record(ctx, acc.ID, v); err != nil {
			return domain.PassResult{}, storageErr("record violation", err)
		}
	}
	if tr := out.Transition; tr != nil {
		if err := tx.Audit.Log(ctx, acc.ID, "phase.transition", map[string]any{
			"from":    string(tr.From),
			"to":      string(tr.To),
			"reason":  tr.Reason,
			"as_of":   snap.AsOf.UTC().Format(time.RFC3339),
			"balance": out.State.CurrentBalance.String(),
		}); err != nil {
			return domain.PassResult{}, storageErr("audit", err)
		}
	}
	return res, nil
}

// template resolves the account's bound template. A missing binding or
// version is not an error here; the evaluator reports it.
func (s *ReconcileService) template(ctx context.Context, acc domain.Account) (*domain.RuleTemplate, error) {
	if acc.TemplateID == "" || s.deps.Templates == nil {
		return nil, nil
	}
	t, err := s.deps.Templates.Get(ctx, acc.TemplateID, acc.TemplateVersion)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// lock acquires the account lock, retrying until LockWait elapses.
func (s *ReconcileService) lock(ctx context.Context, accountID string) (func(), error) {
	return acquireWithin(ctx, s.deps.Locks, accountLockKey(accountID), s.cfg.LockTTL, s.cfg.LockWait, s.cfg.LockRetry, s.deps.Metrics)
}

// passEvent is published on the events channel after commit.
type passEvent struct {
	Event      string             `json:"event"`
	Mode       string             `json:"mode"`
	AccountID  string             `json:"accountId"`
	AsOf       time.Time          `json:"asOf"`
	Phase      domain.Phase       `json:"phase"`
	Balance    string             `json:"balance"`
	Created    int                `json:"created"`
	Updated    int                `json:"updated"`
	Closed     int                `json:"closed"`
	Renamed    int                `json:"renamed"`
	Pending    int                `json:"pending"`
	Violations []domain.Violation `json:"violations,omitempty"`
	Transition *domain.Transition `json:"transition,omitempty"`
}

// afterCommit publishes and notifies. Failures are logged, never returned:
// the ledger is already committed.
func (s *ReconcileService) afterCommit(ctx context.Context, mode string, res domain.PassResult) {
	if s.deps.Bus != nil && s.cfg.EventsChannel != "" {
		evt, _ := json.Marshal(passEvent{
			Event:      "pass_committed",
			Mode:       mode,
			AccountID:  res.AccountID,
			AsOf:       res.AsOf,
			Phase:      res.PhaseState.Phase,
			Balance:    res.PhaseState.CurrentBalance.String(),
			Created:    res.Created,
			Updated:    res.Updated,
			Closed:     res.Closed,
			Renamed:    res.Renamed,
			Pending:    res.Pending,
			Violations: res.Violations,
			Transition: res.Transition,
		})
		if err := s.deps.Bus.Publish(ctx, s.cfg.EventsChannel, evt); err != nil {
			s.logger.WarnContext(ctx, "reconcile_service: publish event failed",
				slog.String("account_id", res.AccountID),
				slog.String("error", err.Error()),
			)
		}
	}

	// Replays re-run history; operators were told the first time.
	if s.deps.Notifier != nil && mode != ModeReplay {
		if err := s.deps.Notifier.NotifyPass(ctx, res); err != nil {
			s.logger.WarnContext(ctx, "reconcile_service: notify failed",
				slog.String("account_id", res.AccountID),
				slog.String("error", err.Error()),
			)
		}
	}
}
