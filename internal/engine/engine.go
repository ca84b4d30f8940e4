package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"concord/internal/config"
	"concord/internal/engine/auth"
	"concord/internal/events"
	"concord/internal/metrics"
	"concord/internal/repo"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Guard      auth.Guard
	Authorizer auth.Authorizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{},
		Config:     cfg,
		Guard:      auth.Guard{Repo: r, Critical: cfg.Governance.CriticalPermissions},
		Authorizer: auth.Noop{},
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) authorize(ctx context.Context, tx *sql.Tx, agentID, action string) error {
	if e.Authorizer == nil {
		return nil
	}
	err := e.Authorizer.Authorize(ctx, tx, agentID, action)
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		return forbiddenErr(forbidden.Error(), details{"permission": forbidden.Permission})
	}
	return err
}

// emit stamps the event with the engine clock.
func (e Engine) emit(ctx context.Context, tx *sql.Tx, evt events.Event) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evt)
}

// begin opens a write transaction. The DSN makes it BEGIN IMMEDIATE, so
// checks made inside it hold until commit.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return tx, nil
}

// track records latency and failures for one operation. Call it deferred
// with a pointer to the named error result.
func (e Engine) track(op string, start time.Time, errp *error) {
	e.Metrics.ObserveOperation(op, time.Since(start).Seconds())
	if errp == nil || *errp == nil {
		return
	}
	kind := KindOf(*errp)
	e.Metrics.OperationError(op, string(kind))
	if kind == KindInternal {
		e.logger().Error("operation failed", "op", op, "err", *errp)
		return
	}
	e.logger().Debug("operation rejected", "op", op, "kind", kind, "err", *errp)
}

func newID() string {
	return uuid.NewString()
}

func (e Engine) requireAgent(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := e.Repo.GetAgent(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("agent not found", details{"agent_id": id})
		}
		return err
	}
	return nil
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
