package triggerregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
)

func TestNextPollTime_IntervalFallback(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := nextPollTime(Spec{Interval: 5 * time.Minute}, from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Minute), next)
}

func TestNextPollTime_CronWinsOverInterval(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := nextPollTime(Spec{Interval: time.Hour, CronExpr: "*/5 * * * *"}, from)
	require.NoError(t, err)
	assert.True(t, next.After(from))
	assert.True(t, next.Before(from.Add(10*time.Minute)))
}

func TestNextPollTime_RequiresIntervalOrCron(t *testing.T) {
	_, err := nextPollTime(Spec{}, time.Now())
	assert.Error(t, err)
}

func TestNextPollTime_InvalidCronExpression(t *testing.T) {
	_, err := nextPollTime(Spec{CronExpr: "not a cron expression"}, time.Now())
	assert.Error(t, err)
}

func TestRegistry_ByEndpointAndListActive(t *testing.T) {
	r := New(nil)
	rec := &domain.TriggerRecord{
		ID:       "trg_1",
		Kind:     domain.TriggerWebhook,
		Endpoint: "/webhooks/abc",
		Active:   true,
	}
	r.byID[rec.ID] = rec
	r.byEndpoint[rec.Endpoint] = rec.ID

	found, ok := r.ByEndpoint("/webhooks/abc")
	require.True(t, ok)
	assert.Equal(t, rec.ID, found.ID)

	_, ok = r.ByEndpoint("/webhooks/missing")
	assert.False(t, ok)

	active := r.ListActive(domain.TriggerWebhook)
	require.Len(t, active, 1)
	assert.Equal(t, rec.ID, active[0].ID)

	assert.Empty(t, r.ListActive(domain.TriggerPolling))
}

func TestRegistry_ByEndpointRejectsInactive(t *testing.T) {
	r := New(nil)
	rec := &domain.TriggerRecord{ID: "trg_2", Kind: domain.TriggerWebhook, Endpoint: "/webhooks/xyz", Active: false}
	r.byID[rec.ID] = rec
	r.byEndpoint[rec.Endpoint] = rec.ID

	_, ok := r.ByEndpoint("/webhooks/xyz")
	assert.False(t, ok, "an inactive trigger must not resolve even if still indexed")
}
