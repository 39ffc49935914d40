package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ethpandaops/testrelay/pkg/events"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()

	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	srv.Start()
	t.Cleanup(srv.Shutdown)

	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")

	return srv.ClientURL()
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestListener_PublishesEvents(t *testing.T) {
	url := startTestNATS(t)

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	ch := make(chan *nats.Msg, 8)
	_, err = sub.ChanSubscribe("testrelay.builds.*.events", ch)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(url)
	require.NoError(t, err)

	l := NewListener(testLogger(), pub, "", "b-1")
	l.HandleEvent(&events.Event{
		Seq:    7,
		RunID:  "run-a",
		Record: events.Record{Kind: events.KindTestStarted, TestID: "t1"},
	})
	require.NoError(t, pub.Close())

	select {
	case msg := <-ch:
		assert.Equal(t, "testrelay.builds.b-1.events", msg.Subject)

		var got events.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, uint64(7), got.Seq)
		assert.Equal(t, "run-a", got.RunID)
		assert.Equal(t, events.KindTestStarted, got.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

type failingPublisher struct {
	calls int
}

func (f *failingPublisher) Publish(context.Context, string, any) error {
	f.calls++

	return errors.New("nats: connection closed")
}

func (f *failingPublisher) Close() error {
	return nil
}

func TestListener_PublishFailureIsNotFatal(t *testing.T) {
	pub := &failingPublisher{}
	l := NewListener(testLogger(), pub, "ci", "b-2")

	assert.NotPanics(t, func() {
		l.HandleEvent(&events.Event{Seq: 1})
		l.HandleEvent(&events.Event{Seq: 2})
	})
	assert.Equal(t, 2, pub.calls)
	assert.Equal(t, "ci.builds.b-2.events", l.subject)
}

func TestConnect_NoURLIsNoop(t *testing.T) {
	pub, err := Connect("")
	require.NoError(t, err)
	assert.IsType(t, &NoopPublisher{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), "x", struct{}{}))
	assert.NoError(t, pub.Close())
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1")
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "p.builds.b.events", EventsSubject("p", "b"))
	assert.Equal(t, "p.builds.b.state", StateSubject("p", "b"))
}
