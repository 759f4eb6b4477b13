package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rampartsec/rampart/pkg/models"
)

func event(id, typ string) models.Event {
	return models.Event{ID: id, Type: typ, OrganizationID: 1}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(func(ev models.Event) { got = append(got, "a:"+ev.ID) })
	b.Subscribe(func(ev models.Event) { got = append(got, "b:"+ev.ID) })

	b.Publish(event("ev-1", "alert.created"))

	assert.ElementsMatch(t, []string{"a:ev-1", "b:ev-1"}, got)
}

func TestSubscribeTypeFilters(t *testing.T) {
	b := New()
	var alerts, incidents int
	b.SubscribeType("alert.created", func(models.Event) { alerts++ })
	b.SubscribeType("incident.updated", func(models.Event) { incidents++ })

	b.Publish(event("ev-1", "alert.created"))
	b.Publish(event("ev-2", "alert.created"))
	b.Publish(event("ev-3", "incident.updated"))

	assert.Equal(t, 2, alerts)
	assert.Equal(t, 1, incidents)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var calls int
	id := b.Subscribe(func(models.Event) { calls++ })

	b.Publish(event("ev-1", "alert.created"))
	b.Unsubscribe(id)
	b.Publish(event("ev-2", "alert.created"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPanickingHandlerIsolated(t *testing.T) {
	b := New()
	var calls int
	b.Subscribe(func(models.Event) { panic("boom") })
	b.Subscribe(func(models.Event) { calls++ })

	b.Publish(event("ev-1", "alert.created"))

	assert.Equal(t, 1, calls, "the healthy subscriber still runs")
}

type fakeAppender struct {
	err error
	ids []string
}

func (f *fakeAppender) Publish(_ context.Context, ev models.Event) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ids = append(f.ids, ev.ID)
	return "1-0", nil
}

func TestPublisherDurableFirst(t *testing.T) {
	b := New()
	var local int
	b.Subscribe(func(models.Event) { local++ })

	app := &fakeAppender{}
	p := NewPublisher(app, b)

	id, err := p.Publish(context.Background(), event("ev-1", "alert.created"))
	require.NoError(t, err)
	assert.Equal(t, "1-0", id)
	assert.Equal(t, 1, local)
}

func TestPublisherAppendFailureSuppressesFanout(t *testing.T) {
	b := New()
	var local int
	b.Subscribe(func(models.Event) { local++ })

	p := NewPublisher(&fakeAppender{err: errors.New("redis down")}, b)

	_, err := p.Publish(context.Background(), event("ev-1", "alert.created"))
	require.Error(t, err)
	assert.Equal(t, 0, local, "no local delivery when the durable append fails")
}
