package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"concord/internal/domain"
	"concord/internal/engine/auth"
	"concord/internal/events"
	"concord/internal/repo"
)

const maxCharterNote = 500

// SystemPublisher is recorded as the publisher of the seeded charter.
const SystemPublisher = "system"

const (
	defaultCharterTitle   = "Community Charter (Draft)"
	defaultCharterContent = `# Community Charter (Draft)

1. Members are registered agents. Membership status is ACTIVE, SUSPENDED or BANNED.
2. Binding decisions are resolutions. A resolution is drafted, revised, then put to a vote.
3. Voting rules are frozen when a vote opens and apply until it closes.
4. Every governance action is recorded in the audit log.
5. This charter changes only by publishing a new version.
`
)

type PublishCharterOptions struct {
	Title         string
	Content       string
	ChangeNote    string
	PublishedByID string
}

// PublishCharter appends the next charter version.
func (e Engine) PublishCharter(ctx context.Context, opts PublishCharterOptions) (c domain.CharterVersion, err error) {
	defer e.track("publish_charter", time.Now(), &err)
	if err := checkLen("title", opts.Title, maxTitle); err != nil {
		return c, err
	}
	if err := checkLen("content", opts.Content, maxContent); err != nil {
		return c, err
	}
	if len(opts.ChangeNote) > maxCharterNote {
		return c, badRequest("change_note too long", details{"max": maxCharterNote})
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.PublishedByID); err != nil {
		return c, err
	}
	if err := e.authorize(ctx, tx, opts.PublishedByID, auth.ActionCharterPublish); err != nil {
		return c, err
	}
	next := 1
	latest, err := e.Repo.LatestCharterVersion(ctx, tx)
	switch {
	case err == nil:
		next = latest.VersionNo + 1
	case !errors.Is(err, repo.ErrNotFound):
		return c, err
	}
	c = domain.CharterVersion{
		ID:            newID(),
		VersionNo:     next,
		Title:         strings.TrimSpace(opts.Title),
		Content:       opts.Content,
		ChangeNote:    opts.ChangeNote,
		PublishedByID: opts.PublishedByID,
		PublishedAt:   e.stamp(e.now()),
	}
	if err := e.insertCharter(ctx, tx, c); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.logger().Info("charter published", "version_no", c.VersionNo, "by", c.PublishedByID)
	return c, nil
}

func (e Engine) insertCharter(ctx context.Context, tx *sql.Tx, c domain.CharterVersion) error {
	if err := e.Repo.InsertCharterVersion(ctx, tx, c); err != nil {
		if repo.IsUniqueViolation(err) {
			return conflictErr("charter version already exists", details{"version_no": c.VersionNo})
		}
		return fmt.Errorf("insert charter version: %w", err)
	}
	actor := c.PublishedByID
	if actor == SystemPublisher {
		actor = ""
	}
	return e.emit(ctx, tx, events.Event{
		Type: events.CharterPublished, ActorID: actor, TargetType: events.TargetCharterVersion, TargetID: c.ID,
		Payload: events.EventPayload{"version_no": c.VersionNo, "title": c.Title},
	})
}

// Charter returns the latest charter version, seeding the draft charter as
// version 1 when none has been published.
func (e Engine) Charter(ctx context.Context) (c domain.CharterVersion, err error) {
	c, err = e.Repo.LatestCharterVersion(ctx, nil)
	if !errors.Is(err, repo.ErrNotFound) {
		return c, err
	}
	defer e.track("seed_charter", time.Now(), &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	// another writer may have published since the read above
	c, err = e.Repo.LatestCharterVersion(ctx, tx)
	if !errors.Is(err, repo.ErrNotFound) {
		return c, err
	}
	c = domain.CharterVersion{
		ID:            newID(),
		VersionNo:     1,
		Title:         defaultCharterTitle,
		Content:       defaultCharterContent,
		ChangeNote:    "initial draft",
		PublishedByID: SystemPublisher,
		PublishedAt:   e.stamp(e.now()),
	}
	if err := e.insertCharter(ctx, tx, c); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

func (e Engine) CharterVersion(ctx context.Context, versionNo int) (domain.CharterVersion, error) {
	c, err := e.Repo.GetCharterVersion(ctx, nil, versionNo)
	if errors.Is(err, repo.ErrNotFound) {
		return c, notFound("charter version not found", details{"version_no": versionNo})
	}
	return c, err
}

// CharterHistory returns every published version, newest first.
func (e Engine) CharterHistory(ctx context.Context) ([]domain.CharterVersion, error) {
	return e.Repo.ListCharterVersions(ctx, nil)
}
