package engine

import (
	"context"

	"concord/internal/domain"
	"concord/internal/repo"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// ListAuditEvents returns events newest first. Limit is clamped to [1,200].
func (e Engine) ListAuditEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.AuditEvent, error) {
	return e.Repo.LatestEvents(ctx, normalizeLimit(limit, defaultAuditLimit, maxAuditLimit), cursor, f)
}
