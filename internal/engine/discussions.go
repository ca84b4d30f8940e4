package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"concord/internal/domain"
	"concord/internal/engine/auth"
	"concord/internal/events"
	"concord/internal/repo"
)

const (
	maxDiscussionBody = 10000
	maxReplyBody      = 6000
	maxTags           = 8
	maxTagLen         = 32
)

type CreateDiscussionOptions struct {
	Title       string
	Body        string
	Tags        []string
	AuthorID    string
	IsAnonymous bool
}

type DiscussionDetail struct {
	domain.Discussion
	Replies []domain.DiscussionReply `json:"replies"`
}

func normalizeTags(in []string) ([]string, error) {
	tags := lo.Uniq(lo.FilterMap(in, func(t string, _ int) (string, bool) {
		t = strings.TrimSpace(t)
		return t, t != ""
	}))
	if len(tags) > maxTags {
		return nil, badRequest(fmt.Sprintf("at most %d tags", maxTags), details{"field": "tags"})
	}
	for _, t := range tags {
		if len(t) > maxTagLen || strings.Contains(t, ",") {
			return nil, badRequest("invalid tag", details{"field": "tags", "tag": t})
		}
	}
	return tags, nil
}

// CreateDiscussion opens a discussion thread. Anonymous threads still record
// the author.
func (e Engine) CreateDiscussion(ctx context.Context, opts CreateDiscussionOptions) (d domain.Discussion, err error) {
	defer e.track("create_discussion", time.Now(), &err)
	if err := checkLen("title", opts.Title, maxTitle); err != nil {
		return d, err
	}
	if err := checkLen("body", opts.Body, maxDiscussionBody); err != nil {
		return d, err
	}
	tags, err := normalizeTags(opts.Tags)
	if err != nil {
		return d, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.AuthorID); err != nil {
		return d, err
	}
	now := e.stamp(e.now())
	d = domain.Discussion{
		ID:          newID(),
		Title:       strings.TrimSpace(opts.Title),
		Body:        opts.Body,
		Tags:        tags,
		AuthorID:    opts.AuthorID,
		State:       domain.DiscussionOpen,
		IsAnonymous: opts.IsAnonymous,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertDiscussion(ctx, tx, d); err != nil {
		return d, fmt.Errorf("insert discussion: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.DiscussionCreated, ActorID: opts.AuthorID, TargetType: events.TargetDiscussion, TargetID: d.ID,
		Payload: events.EventPayload{"title": d.Title, "is_anonymous": d.IsAnonymous},
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

type ReplyOptions struct {
	DiscussionID  string
	AuthorID      string
	Body          string
	ParentReplyID string
	IsAnonymous   bool
}

// ReplyToDiscussion appends a reply to an OPEN discussion. A parent reply
// must belong to the same discussion.
func (e Engine) ReplyToDiscussion(ctx context.Context, opts ReplyOptions) (rp domain.DiscussionReply, err error) {
	defer e.track("reply_discussion", time.Now(), &err)
	if err := checkLen("body", opts.Body, maxReplyBody); err != nil {
		return rp, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return rp, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.AuthorID); err != nil {
		return rp, err
	}
	d, err := e.loadDiscussion(ctx, tx, opts.DiscussionID)
	if err != nil {
		return rp, err
	}
	if d.State != domain.DiscussionOpen {
		return rp, forbiddenErr("discussion not open for replies", details{"state": d.State})
	}
	rp = domain.DiscussionReply{
		ID:           newID(),
		DiscussionID: d.ID,
		AuthorID:     opts.AuthorID,
		Body:         opts.Body,
		IsAnonymous:  opts.IsAnonymous,
		CreatedAt:    e.stamp(e.now()),
	}
	if opts.ParentReplyID != "" {
		parent, err := e.Repo.GetReply(ctx, tx, opts.ParentReplyID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return rp, err
		}
		if err != nil || parent.DiscussionID != d.ID {
			return rp, badRequest("parent reply invalid", details{"parent_reply_id": opts.ParentReplyID})
		}
		rp.ParentReplyID = &parent.ID
	}
	if err := e.Repo.InsertReply(ctx, tx, rp); err != nil {
		return rp, fmt.Errorf("insert reply: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.DiscussionReplyCreated, ActorID: opts.AuthorID, TargetType: events.TargetDiscussionReply, TargetID: rp.ID,
		Payload: events.EventPayload{"discussion_id": d.ID, "is_anonymous": rp.IsAnonymous},
	}); err != nil {
		return rp, err
	}
	if err := tx.Commit(); err != nil {
		return rp, err
	}
	return rp, nil
}

type SetDiscussionStateOptions struct {
	DiscussionID string
	State        string
	ChangedByID  string
}

// SetDiscussionState locks, closes or reopens a discussion.
func (e Engine) SetDiscussionState(ctx context.Context, opts SetDiscussionStateOptions) (d domain.Discussion, err error) {
	defer e.track("set_discussion_state", time.Now(), &err)
	if !domain.ValidDiscussionState(opts.State) {
		return d, badRequest("invalid discussion state", details{"state": opts.State})
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.ChangedByID); err != nil {
		return d, err
	}
	if d, err = e.loadDiscussion(ctx, tx, opts.DiscussionID); err != nil {
		return d, err
	}
	if err := e.authorize(ctx, tx, opts.ChangedByID, auth.ActionDiscussionModerate); err != nil {
		return d, err
	}
	if d.State == opts.State {
		return d, nil
	}
	from := d.State
	d.State = opts.State
	d.UpdatedAt = e.stamp(e.now())
	if err := e.Repo.UpdateDiscussionState(ctx, tx, d.ID, d.State, d.UpdatedAt); err != nil {
		return d, fmt.Errorf("update discussion state: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.DiscussionStateChanged, ActorID: opts.ChangedByID, TargetType: events.TargetDiscussion, TargetID: d.ID,
		Payload: events.EventPayload{"from": from, "to": d.State},
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	e.logger().Info("discussion state changed", "discussion_id", d.ID, "from", from, "to", d.State)
	return d, nil
}

func (e Engine) GetDiscussion(ctx context.Context, id string) (DiscussionDetail, error) {
	var detail DiscussionDetail
	d, err := e.loadDiscussion(ctx, nil, id)
	if err != nil {
		return detail, err
	}
	detail.Discussion = d
	detail.Replies, err = e.Repo.ListReplies(ctx, nil, id)
	return detail, err
}

// ListDiscussions returns the newest discussions first, optionally by state.
func (e Engine) ListDiscussions(ctx context.Context, limit int, state string) ([]domain.Discussion, error) {
	if state != "" && !domain.ValidDiscussionState(state) {
		return nil, badRequest("invalid discussion state", details{"state": state})
	}
	return e.Repo.ListDiscussions(ctx, normalizeLimit(limit, 30, 200), state)
}

func (e Engine) loadDiscussion(ctx context.Context, tx *sql.Tx, id string) (domain.Discussion, error) {
	d, err := e.Repo.GetDiscussion(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return d, notFound("discussion not found", details{"discussion_id": id})
	}
	return d, err
}
