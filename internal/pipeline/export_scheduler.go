package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// LedgerExporter writes one account's ledger to cold storage.
type LedgerExporter interface {
	ExportLedger(ctx context.Context, accountID string) (string, error)
}

// AccountLister enumerates accounts.
type AccountLister interface {
	List(ctx context.Context) ([]domain.Account, error)
}

// Exporter copies every account's ledger to object storage on a schedule.
type Exporter struct {
	accounts AccountLister
	exporter LedgerExporter
	logger   *slog.Logger
}

// NewExporter creates an Exporter.
func NewExporter(accounts AccountLister, exporter LedgerExporter, logger *slog.Logger) *Exporter {
	return &Exporter{
		accounts: accounts,
		exporter: exporter,
		logger:   logger.With(slog.String("component", "exporter")),
	}
}

// Run exports all accounts once. One failing account does not stop the
// others; their errors are joined.
func (e *Exporter) Run(ctx context.Context) error {
	accounts, err := e.accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("exporter: list accounts: %w", err)
	}
	e.logger.InfoContext(ctx, "exporter: run started", slog.Int("accounts", len(accounts)))

	var errs []error
	exported := 0
	for _, acc := range accounts {
		path, err := e.exporter.ExportLedger(ctx, acc.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acc.ID, err))
			continue
		}
		exported++
		e.logger.DebugContext(ctx, "exporter: account exported",
			slog.String("account_id", acc.ID),
			slog.String("path", path),
		)
	}

	e.logger.InfoContext(ctx, "exporter: run complete",
		slog.Int("exported", exported),
		slog.Int("failed", len(errs)),
	)
	if len(errs) > 0 {
		return fmt.Errorf("exporter: %w", errors.Join(errs...))
	}
	return nil
}

// RunCron runs the exporter on a 5-field cron schedule ("minute hour
// day-of-month month day-of-week", UTC) until ctx is cancelled.
func (e *Exporter) RunCron(ctx context.Context, cronExpr string) error {
	if _, err := parseCron(cronExpr); err != nil {
		return fmt.Errorf("exporter: cron %q: %w", cronExpr, err)
	}
	e.logger.InfoContext(ctx, "exporter: cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("exporter: cron %q: %w", cronExpr, err)
		}
		e.logger.DebugContext(ctx, "exporter: waiting for next run", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := e.Run(ctx); err != nil {
				e.logger.ErrorContext(ctx, "exporter: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field: "*", "*/15", "0" or "1,15".
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if step, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 || n > 60 {
			return cronField{}, fmt.Errorf("invalid cron step %q", field)
		}
		var values []int
		for v := 0; v < 60; v += n {
			values = append(values, v)
		}
		return cronField{values: values}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
