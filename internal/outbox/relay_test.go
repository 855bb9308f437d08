package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memorySource is an in-memory outbox table for relay tests.
type memorySource struct {
	events    []*Event
	delivered map[string]bool
	markErr   error
}

func newMemorySource(events ...*Event) *memorySource {
	return &memorySource{events: events, delivered: make(map[string]bool)}
}

func (m *memorySource) FetchUndelivered(ctx context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for _, e := range m.events {
		if m.delivered[e.EventID] {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memorySource) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.delivered[eventID] = true
	return nil
}

// recordingPublisher captures published events and can fail on demand.
type recordingPublisher struct {
	published []*Event
	failAfter int // fail every publish once this many have succeeded
}

func (p *recordingPublisher) Publish(ctx context.Context, event *Event) error {
	if p.failAfter > 0 && len(p.published) >= p.failAfter {
		return errors.New("bus unreachable")
	}
	p.published = append(p.published, event)
	return nil
}

func mustEvent(t *testing.T, orderID string, typ EventType) *Event {
	t.Helper()
	e, err := NewEvent(orderID, typ, map[string]string{"order_id": orderID})
	require.NoError(t, err)
	return e
}

func TestDrainPublishesAndMarksInOrder(t *testing.T) {
	a := mustEvent(t, "o-1", EventOrderConfirmed)
	b := mustEvent(t, "o-2", EventOrderCancelled)
	source := newMemorySource(a, b)
	pub := &recordingPublisher{}

	relay := NewRelay(source, pub, time.Second, 10)
	delivered, err := relay.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	require.Len(t, pub.published, 2)
	require.Equal(t, a.EventID, pub.published[0].EventID)
	require.Equal(t, b.EventID, pub.published[1].EventID)
	require.True(t, source.delivered[a.EventID])
	require.True(t, source.delivered[b.EventID])

	// A second drain finds nothing new.
	delivered, err = relay.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, delivered)
	require.Len(t, pub.published, 2)
}

func TestDrainStopsBatchOnPublishFailure(t *testing.T) {
	a := mustEvent(t, "o-1", EventOrderConfirmed)
	b := mustEvent(t, "o-2", EventOrderConfirmed)
	source := newMemorySource(a, b)
	pub := &recordingPublisher{failAfter: 1}

	relay := NewRelay(source, pub, time.Second, 10)
	delivered, err := relay.Drain(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, delivered)
	require.True(t, source.delivered[a.EventID])
	require.False(t, source.delivered[b.EventID], "failed event must stay undelivered")

	// Once the bus recovers, the next drain picks up where it stopped.
	pub.failAfter = 0
	delivered, err = relay.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.True(t, source.delivered[b.EventID])
}

func TestDrainRedeliversWhenMarkFails(t *testing.T) {
	a := mustEvent(t, "o-1", EventOrderConfirmed)
	source := newMemorySource(a)
	source.markErr = errors.New("disk full")
	pub := &recordingPublisher{}

	relay := NewRelay(source, pub, time.Second, 10)
	_, err := relay.Drain(context.Background())
	require.Error(t, err)
	require.Len(t, pub.published, 1)

	// At-least-once: the unmarked event goes out again on the next drain.
	source.markErr = nil
	delivered, err := relay.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Len(t, pub.published, 2)
	require.Equal(t, a.EventID, pub.published[1].EventID)
}

func TestDrainRespectsBatchSize(t *testing.T) {
	source := newMemorySource(
		mustEvent(t, "o-1", EventOrderConfirmed),
		mustEvent(t, "o-2", EventOrderConfirmed),
		mustEvent(t, "o-3", EventOrderConfirmed),
	)
	pub := &recordingPublisher{}

	relay := NewRelay(source, pub, time.Second, 2)
	delivered, err := relay.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	delivered, err = relay.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
}
