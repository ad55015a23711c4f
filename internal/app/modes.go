package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/pipeline"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/rules"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/server"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/server/handler"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/service"
)

// WorkerMode consumes snapshots from the Redis stream, runs the scheduled
// ledger export, and serves the ops HTTP API until ctx is cancelled.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	if deps.Bus == nil {
		return errors.New("app: worker mode needs redis")
	}

	rc := a.cfg.Reconcile
	consumer := pipeline.NewConsumer(deps.Bus, deps.Reconcile, deps.RateLimiter, pipeline.ConsumerConfig{
		Stream:      rc.Stream,
		DeadLetter:  rc.DeadLetterStream,
		StartID:     rc.StartID,
		Workers:     rc.Workers,
		MaxAttempts: rc.MaxAttempts,
		RetryDelay:  rc.RetryDelay.Duration,
		RateLimit:   rc.RatePerMinute,
		RateWindow:  time.Minute,
	}, a.logger)

	var exporter *pipeline.Exporter
	if deps.Archive != nil && a.cfg.ExportCron != "" {
		exporter = pipeline.NewExporter(deps.Accounts, deps.Admin, a.logger)
	}
	orch := pipeline.NewOrchestrator(consumer, exporter, a.cfg.ExportCron, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		srv := a.newServer(deps)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}
	return g.Wait()
}

func (a *App) newServer(deps *Dependencies) *server.Server {
	var metricsHandler http.Handler
	if deps.Metrics != nil {
		metricsHandler = deps.Metrics.Handler()
	}
	return server.NewServer(server.Config{
		Addr:       a.cfg.Server.Addr,
		APIKey:     a.cfg.Server.APIKey,
		RateLimit:  a.cfg.Server.RatePerMinute,
		RateWindow: time.Minute,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Accounts:  handler.NewAccountHandler(deps.Admin, a.logger),
		Snapshots: handler.NewSnapshotHandler(deps.Bus, a.cfg.Reconcile.Stream, a.logger),
		Metrics:   metricsHandler,
	}, deps.RateLimiter, a.logger)
}

// ApplyMode runs one pass for the snapshot in path and prints the result.
func (a *App) ApplyMode(ctx context.Context, deps *Dependencies, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("app: read snapshot: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("app: decode snapshot %s: %w", path, err)
	}
	res, err := deps.Reconcile.ApplySnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("app: apply %s: %w", path, err)
	}
	return a.printJSON(res)
}

// importBatch is the file shape of a closed-trade import. A bare JSON array
// of positions is accepted too, stamped with the current time.
type importBatch struct {
	AsOf            time.Time                   `json:"asOf"`
	ClosedPositions []domain.PositionDescriptor `json:"closedPositions"`
}

func decodeImport(data []byte, now time.Time) (importBatch, error) {
	var batch importBatch
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch.ClosedPositions); err != nil {
			return importBatch{}, err
		}
	} else if err := json.Unmarshal(trimmed, &batch); err != nil {
		return importBatch{}, err
	}
	if batch.AsOf.IsZero() {
		batch.AsOf = now.UTC()
	}
	return batch, nil
}

// ImportMode merges a batch of closed trades into accountID's ledger.
func (a *App) ImportMode(ctx context.Context, deps *Dependencies, accountID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("app: read import: %w", err)
	}
	batch, err := decodeImport(data, time.Now())
	if err != nil {
		return fmt.Errorf("app: decode import %s: %w", path, err)
	}
	res, err := deps.Reconcile.ImportClosed(ctx, accountID, batch.AsOf, batch.ClosedPositions)
	if err != nil {
		return fmt.Errorf("app: import %s: %w", path, err)
	}
	return a.printJSON(res)
}

// ReplayMode re-applies every archived snapshot of accountID in order.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies, accountID string) error {
	results, err := deps.Reconcile.Replay(ctx, accountID)
	if err != nil {
		return fmt.Errorf("app: replay %s: %w", accountID, err)
	}
	a.logger.InfoContext(ctx, "app: replay complete",
		slog.String("account_id", accountID),
		slog.Int("passes", len(results)),
	)
	if len(results) == 0 {
		return a.printJSON(map[string]any{"accountId": accountID, "passes": 0})
	}
	last := results[len(results)-1]
	return a.printJSON(map[string]any{
		"accountId": accountID,
		"passes":    len(results),
		"state":     last.PhaseState,
	})
}

const adminUsage = `usage: admin <command> [args]
  create-account -id ID -balance N [-phase P] [-timezone TZ] [-template ID -version V]
  delete-ticket <account> <ticket>
  assign-template <account> <template> <version>
  list-pending <account>
  resolve-pending <account> <pending-id> apply|discard
  status <account>
  export <account>|-all
  sync-templates
  watch`

// AdminMode runs one operator command.
func (a *App) AdminMode(ctx context.Context, deps *Dependencies, args []string) error {
	if len(args) == 0 {
		return errors.New(adminUsage)
	}
	cmd, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) != n {
			return fmt.Errorf("admin %s: expected %d argument(s)\n%s", cmd, n, adminUsage)
		}
		return nil
	}

	switch cmd {
	case "create-account":
		return a.createAccount(ctx, deps, rest)
	case "delete-ticket":
		if err := need(2); err != nil {
			return err
		}
		n, err := deps.Admin.DeleteTicket(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		return a.printJSON(map[string]any{"deleted": n})
	case "assign-template":
		if err := need(3); err != nil {
			return err
		}
		version, err := strconv.Atoi(rest[2])
		if err != nil {
			return fmt.Errorf("admin assign-template: version %q: %w", rest[2], err)
		}
		return deps.Admin.AssignTemplate(ctx, rest[0], rest[1], version)
	case "list-pending":
		if err := need(1); err != nil {
			return err
		}
		pending, err := deps.Admin.ListPending(ctx, rest[0])
		if err != nil {
			return err
		}
		return a.printJSON(pending)
	case "resolve-pending":
		if err := need(3); err != nil {
			return err
		}
		return deps.Admin.ResolvePending(ctx, rest[0], rest[1], service.PendingAction(rest[2]))
	case "status":
		if err := need(1); err != nil {
			return err
		}
		st, err := deps.Admin.Status(ctx, rest[0], 20)
		if err != nil {
			return err
		}
		return a.printJSON(st)
	case "export":
		if err := need(1); err != nil {
			return err
		}
		if rest[0] == "-all" {
			return pipeline.NewExporter(deps.Accounts, deps.Admin, a.logger).Run(ctx)
		}
		path, err := deps.Admin.ExportLedger(ctx, rest[0])
		if err != nil {
			return err
		}
		return a.printJSON(map[string]string{"path": path})
	case "sync-templates":
		if err := need(0); err != nil {
			return err
		}
		return a.syncTemplates(ctx, deps)
	case "watch":
		if err := need(0); err != nil {
			return err
		}
		return a.watchEvents(ctx, deps)
	default:
		return fmt.Errorf("admin: unknown command %q\n%s", cmd, adminUsage)
	}
}

func (a *App) createAccount(ctx context.Context, deps *Dependencies, args []string) error {
	fs := flag.NewFlagSet("create-account", flag.ContinueOnError)
	id := fs.String("id", "", "account id")
	login := fs.String("login", "", "broker login")
	broker := fs.String("broker", "", "broker name")
	balance := fs.String("balance", "", "initial balance")
	phase := fs.String("phase", string(domain.PhaseOne), "starting phase")
	tz := fs.String("timezone", "", "IANA timezone of the trading day")
	templateID := fs.String("template", "", "rule template id")
	version := fs.Int("version", 1, "rule template version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	initial, err := decimal.NewFromString(*balance)
	if err != nil {
		return fmt.Errorf("admin create-account: balance %q: %w", *balance, err)
	}
	acc, err := deps.Admin.CreateAccount(ctx, domain.Account{
		ID:       *id,
		Login:    *login,
		Broker:   *broker,
		Timezone: *tz,
		State: domain.PhaseState{
			Phase:          domain.Phase(*phase),
			InitialBalance: initial,
		},
	})
	if err != nil {
		return err
	}
	if *templateID != "" {
		if err := deps.Admin.AssignTemplate(ctx, acc.ID, *templateID, *version); err != nil {
			return err
		}
		acc.TemplateID, acc.TemplateVersion = *templateID, *version
	}
	return a.printJSON(acc)
}

// syncTemplates publishes the YAML template directory into the configured
// template store.
func (a *App) syncTemplates(ctx context.Context, deps *Dependencies) error {
	if deps.TemplateWriter == nil {
		return errors.New("admin sync-templates: no writable template store")
	}
	src, err := rules.NewFileStore(a.cfg.Templates.Dir)
	if err != nil {
		return err
	}
	templates, err := src.List(ctx)
	if err != nil {
		return err
	}
	for _, t := range templates {
		if err := deps.TemplateWriter.Put(ctx, t); err != nil {
			return fmt.Errorf("admin sync-templates: %s v%d: %w", t.ID, t.Version, err)
		}
		if deps.TemplateCache != nil {
			if err := deps.TemplateCache.Invalidate(ctx, t.ID, t.Version); err != nil {
				a.logger.WarnContext(ctx, "app: template cache invalidate failed",
					slog.String("template_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	a.logger.InfoContext(ctx, "app: templates synced",
		slog.String("dir", a.cfg.Templates.Dir),
		slog.Int("count", len(templates)),
	)
	return a.printJSON(map[string]int{"synced": len(templates)})
}

// watchEvents prints every pass event published on the events channel, one
// JSON document per line, until ctx is cancelled.
func (a *App) watchEvents(ctx context.Context, deps *Dependencies) error {
	if deps.Bus == nil {
		return errors.New("admin watch: needs redis")
	}
	events, err := deps.Bus.Subscribe(ctx, a.cfg.Reconcile.EventsChannel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(a.out, "%s\n", evt); err != nil {
				return err
			}
		}
	}
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
