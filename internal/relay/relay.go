// Package relay forwards committed audit events to webhooks and NATS. It
// polls the audit table, so a slow or failing sink never holds up a
// governance operation.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"concord/internal/config"
	"concord/internal/domain"
	"concord/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Message is the wire form of an audit event.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"event_type"`
	ActorID    string          `json:"actor_agent_id,omitempty"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func newMessage(evt domain.AuditEvent) Message {
	msg := Message{
		ID:         evt.ID,
		Type:       evt.Type,
		ActorID:    evt.ActorID,
		TargetType: evt.TargetType,
		TargetID:   evt.TargetID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			msg.Payload = json.RawMessage(evt.Payload)
		} else {
			msg.PayloadRaw = evt.Payload
		}
	}
	return msg
}

// Sink receives relayed events.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, msg Message) error
}

// Relay tracks one cursor per sink. A sink that fails keeps its cursor and
// retries the same event on the next pass.
type Relay struct {
	Repo     repo.Repo
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// New builds a relay with one sink per enabled webhook, plus a NATS sink
// when pub is non-nil.
func New(r repo.Repo, cfg *config.Config, pub Publisher, logger *slog.Logger) *Relay {
	rl := &Relay{Repo: r, Logger: logger}
	if cfg == nil {
		return rl
	}
	for _, hook := range cfg.Webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		rl.Sinks = append(rl.Sinks, NewWebhookSink(hook))
	}
	if pub != nil {
		rl.Sinks = append(rl.Sinks, NATSSink{Publisher: pub, Prefix: cfg.NATS.SubjectPrefix})
	}
	return rl
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	if len(r.Sinks) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Flush(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush makes a single delivery pass over every sink. The first pass for a
// sink only records the current head of the log.
func (r *Relay) Flush(ctx context.Context) {
	for i, sink := range r.Sinks {
		r.flushSink(ctx, i, sink)
	}
}

func (r *Relay) flushSink(ctx context.Context, idx int, sink Sink) {
	cursor, ok := r.cursorFor(ctx, idx)
	if !ok {
		return
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := r.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		r.logger().Warn("relay: fetch events failed", "sink", sink.Name(), "err", err)
		return
	}
	for _, evt := range evts {
		if sink.Accepts(evt.Type) {
			if err := sink.Deliver(ctx, newMessage(evt)); err != nil {
				r.logger().Warn("relay: delivery failed", "sink", sink.Name(), "event_id", evt.ID, "err", err)
				return
			}
		}
		r.setCursor(idx, evt.ID)
	}
}

func (r *Relay) cursorFor(ctx context.Context, idx int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = make(map[int]int64)
	}
	if cur, ok := r.cursors[idx]; ok {
		return cur, true
	}
	cur, err := r.Repo.LatestEventID(ctx)
	if err != nil {
		r.logger().Warn("relay: init cursor failed", "err", err)
		return 0, false
	}
	r.cursors[idx] = cur
	return cur, true
}

func (r *Relay) setCursor(idx int, value int64) {
	r.mu.Lock()
	r.cursors[idx] = value
	r.mu.Unlock()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
