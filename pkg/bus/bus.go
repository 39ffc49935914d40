// Package bus publishes live build events to subscribers outside the
// coordinator.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubjectPrefix is the subject root when none is configured.
const DefaultSubjectPrefix = "testrelay"

// Publisher sends JSON-encodable payloads to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// EventsSubject returns the subject carrying a build's events.
func EventsSubject(prefix, buildID string) string {
	return fmt.Sprintf("%s.builds.%s.events", prefix, buildID)
}

// StateSubject returns the subject carrying a build's state changes.
func StateSubject(prefix, buildID string) string {
	return fmt.Sprintf("%s.builds.%s.state", prefix, buildID)
}

// StateChange is published when a build changes state.
type StateChange struct {
	BuildID string    `json:"build_id"`
	State   string    `json:"state"`
	Time    time.Time `json:"time"`
}

// Listener publishes every build event. Publish failures are logged and
// never stop delivery to other listeners.
type Listener struct {
	log     logrus.FieldLogger
	pub     Publisher
	subject string
}

// Ensure interface compliance.
var _ events.Listener = (*Listener)(nil)

// NewListener creates a Listener for one build.
func NewListener(log logrus.FieldLogger, pub Publisher, prefix, buildID string) *Listener {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return &Listener{
		log:     log.WithField("component", "bus"),
		pub:     pub,
		subject: EventsSubject(prefix, buildID),
	}
}

// HandleEvent publishes ev.
func (l *Listener) HandleEvent(ev *events.Event) {
	if err := l.pub.Publish(context.Background(), l.subject, ev); err != nil {
		l.log.WithError(err).WithField("seq", ev.Seq).Warn("Failed to publish event")
	}
}

// Connect returns a NATS publisher for url, or a NoopPublisher when url is
// empty.
func Connect(url string, opts ...nats.Option) (Publisher, error) {
	if url == "" {
		return &NoopPublisher{}, nil
	}

	return NewNATSPublisher(url, opts...)
}
