package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"concord/internal/domain"
	"concord/internal/events"
	"concord/internal/repo"
)

const (
	maxTitle      = 120
	maxSummary    = 1200
	maxContent    = 20000
	maxChangeNote = 280
)

func checkLen(field, v string, max int) error {
	if strings.TrimSpace(v) == "" {
		return badRequest(field+" is required", details{"field": field})
	}
	if len(v) > max {
		return badRequest(fmt.Sprintf("%s must be at most %d characters", field, max), details{"field": field})
	}
	return nil
}

type CreateResolutionOptions struct {
	Title      string
	Summary    string
	Content    string
	ProposerID string
}

type ResolutionDetail struct {
	domain.Resolution
	Versions []domain.ResolutionVersion `json:"versions"`
	Session  *domain.VotingSession      `json:"voting_session,omitempty"`
}

// CreateResolution records a DRAFT resolution together with its first version.
func (e Engine) CreateResolution(ctx context.Context, opts CreateResolutionOptions) (detail ResolutionDetail, err error) {
	defer e.track("create_resolution", time.Now(), &err)
	if err := checkLen("title", opts.Title, maxTitle); err != nil {
		return detail, err
	}
	if err := checkLen("summary", opts.Summary, maxSummary); err != nil {
		return detail, err
	}
	if err := checkLen("content", opts.Content, maxContent); err != nil {
		return detail, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return detail, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.ProposerID); err != nil {
		return detail, err
	}
	now := e.stamp(e.now())
	res := domain.Resolution{
		ID:             newID(),
		Title:          strings.TrimSpace(opts.Title),
		Summary:        opts.Summary,
		ProposerID:     opts.ProposerID,
		Status:         domain.ResolutionDraft,
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertResolution(ctx, tx, res); err != nil {
		return detail, fmt.Errorf("insert resolution: %w", err)
	}
	v := domain.ResolutionVersion{
		ID:           newID(),
		ResolutionID: res.ID,
		VersionNo:    1,
		Content:      opts.Content,
		ChangeNote:   "initial version",
		EditorID:     opts.ProposerID,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertResolutionVersion(ctx, tx, v); err != nil {
		return detail, fmt.Errorf("insert resolution version: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.ResolutionCreated, ActorID: opts.ProposerID, TargetType: events.TargetResolution, TargetID: res.ID,
		Payload: events.EventPayload{"title": res.Title, "version_no": 1},
	}); err != nil {
		return detail, err
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.VersionPublished, ActorID: opts.ProposerID, TargetType: events.TargetResolutionVersion, TargetID: v.ID,
		Payload: events.EventPayload{"resolution_id": res.ID, "version_no": 1},
	}); err != nil {
		return detail, err
	}
	if err := tx.Commit(); err != nil {
		return detail, err
	}
	return ResolutionDetail{Resolution: res, Versions: []domain.ResolutionVersion{v}}, nil
}

type ReviseResolutionOptions struct {
	ResolutionID string
	Content      string
	ChangeNote   string
	EditorID     string
}

// ReviseResolution appends a new immutable version to a DRAFT resolution.
func (e Engine) ReviseResolution(ctx context.Context, opts ReviseResolutionOptions) (v domain.ResolutionVersion, err error) {
	defer e.track("revise_resolution", time.Now(), &err)
	if err := checkLen("content", opts.Content, maxContent); err != nil {
		return v, err
	}
	if len(opts.ChangeNote) > maxChangeNote {
		return v, badRequest("change_note too long", details{"max": maxChangeNote})
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.EditorID); err != nil {
		return v, err
	}
	res, err := e.Repo.GetResolution(ctx, tx, opts.ResolutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return v, notFound("resolution not found", details{"resolution_id": opts.ResolutionID})
	}
	if err != nil {
		return v, err
	}
	if res.Status != domain.ResolutionDraft {
		return v, badRequest("only DRAFT resolutions can be revised", details{"current_status": res.Status})
	}
	now := e.stamp(e.now())
	v = domain.ResolutionVersion{
		ID:           newID(),
		ResolutionID: res.ID,
		VersionNo:    res.CurrentVersion + 1,
		Content:      opts.Content,
		ChangeNote:   opts.ChangeNote,
		EditorID:     opts.EditorID,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertResolutionVersion(ctx, tx, v); err != nil {
		if repo.IsUniqueViolation(err) {
			return v, conflictErr("version already exists", details{"version_no": v.VersionNo})
		}
		return v, fmt.Errorf("insert resolution version: %w", err)
	}
	if err := e.Repo.SetResolutionVersion(ctx, tx, res.ID, v.VersionNo, now); err != nil {
		return v, fmt.Errorf("bump resolution version: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.VersionPublished, ActorID: opts.EditorID, TargetType: events.TargetResolutionVersion, TargetID: v.ID,
		Payload: events.EventPayload{"resolution_id": res.ID, "version_no": v.VersionNo},
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

func (e Engine) GetResolution(ctx context.Context, id string) (ResolutionDetail, error) {
	var detail ResolutionDetail
	res, err := e.Repo.GetResolution(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return detail, notFound("resolution not found", details{"resolution_id": id})
	}
	if err != nil {
		return detail, err
	}
	detail.Resolution = res
	if detail.Versions, err = e.Repo.ListResolutionVersions(ctx, nil, id); err != nil {
		return detail, err
	}
	sess, err := e.Repo.GetSessionByResolution(ctx, nil, id)
	switch {
	case err == nil:
		detail.Session = &sess
	case !errors.Is(err, repo.ErrNotFound):
		return detail, err
	}
	return detail, nil
}

// ListResolutions returns the newest resolutions first, optionally by status.
func (e Engine) ListResolutions(ctx context.Context, limit int, status string) ([]domain.Resolution, error) {
	return e.Repo.ListResolutions(ctx, normalizeLimit(limit, 30, 200), status)
}
