package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/worker"
)

func (f fixture) clickedRequest(t *testing.T, age time.Duration) core.ReviewRequest {
	t.Helper()
	req := f.markSent(t, f.newRequest(t, core.ChannelSMS), "SM-abc")
	_, err := f.store.Advance(context.Background(), req, core.StatusClicked, core.Event{
		Type: core.EventWebhookReceived, Source: "test", Description: "click",
	})
	require.NoError(t, err)
	f.backdateClick(t, req.ID, age)
	return f.reload(t, req.ID)
}

func TestMonitorPromotesOldClicks(t *testing.T) {
	f := newFixture(t)
	mon := worker.NewMonitor(f.store, worker.ClickAgePolicy{After: 2 * time.Hour}, testLogger())
	req := f.clickedRequest(t, 3*time.Hour)

	err := mon.Handle(context.Background(), makeJob(t, queue.MonitorReviews,
		queue.MonitorPayload{BusinessID: f.business}))
	require.NoError(t, err)

	got := f.reload(t, req.ID)
	require.Equal(t, core.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	events, err := f.store.ListEventsForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	var completed *core.Event
	for i := range events {
		if events[i].Type == core.EventRequestCompleted {
			completed = &events[i]
		}
	}
	require.NotNil(t, completed)
	hours, ok := completed.Metadata["hours_after_click"].(float64)
	require.True(t, ok)
	require.InDelta(t, 3.0, hours, 0.1)
}

func TestMonitorLeavesYoungClicksAlone(t *testing.T) {
	f := newFixture(t)
	mon := worker.NewMonitor(f.store, worker.ClickAgePolicy{After: 2 * time.Hour}, testLogger())
	req := f.clickedRequest(t, time.Hour)

	err := mon.Handle(context.Background(), makeJob(t, queue.MonitorReviews,
		queue.MonitorPayload{BusinessID: f.business}))
	require.NoError(t, err)
	require.Equal(t, core.StatusClicked, f.reload(t, req.ID).Status)
}

func TestMonitorIsIdempotent(t *testing.T) {
	f := newFixture(t)
	mon := worker.NewMonitor(f.store, worker.ClickAgePolicy{After: time.Hour}, testLogger())
	req := f.clickedRequest(t, 3*time.Hour)
	job := makeJob(t, queue.MonitorReviews, queue.MonitorPayload{BusinessID: f.business})

	require.NoError(t, mon.Handle(context.Background(), job))
	require.NoError(t, mon.Handle(context.Background(), job))

	var completions int
	for _, typ := range f.eventTypes(t, req.ID) {
		if typ == core.EventRequestCompleted {
			completions++
		}
	}
	require.Equal(t, 1, completions)
}

func TestMonitorScopesToOneBusiness(t *testing.T) {
	f := newFixture(t)
	mon := worker.NewMonitor(f.store, worker.ClickAgePolicy{After: time.Hour}, testLogger())
	req := f.clickedRequest(t, 3*time.Hour)

	err := mon.Handle(context.Background(), makeJob(t, queue.MonitorReviews,
		queue.MonitorPayload{BusinessID: "00000000-0000-0000-0000-000000000000"}))
	require.NoError(t, err)
	require.Equal(t, core.StatusClicked, f.reload(t, req.ID).Status)
}
