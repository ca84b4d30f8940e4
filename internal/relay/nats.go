package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event on <prefix>.<event_type>.
type NATSSink struct {
	Publisher Publisher
	Prefix    string
}

func (s NATSSink) Name() string { return "nats:" + s.Prefix }

func (s NATSSink) Accepts(string) bool { return true }

func (s NATSSink) Subject(eventType string) string {
	prefix := strings.Trim(s.Prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

func (s NATSSink) Deliver(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.Publisher.Publish(s.Subject(msg.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("concord-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
