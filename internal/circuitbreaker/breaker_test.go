package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripAfterTwoFailures(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(tripAfterTwoFailures("slack"))
	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	_, err := cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())

	_, err = cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OpenStateRejectsWithoutCallingRequest(t *testing.T) {
	cb := New(tripAfterTwoFailures("slack"))
	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	cb.Execute(failing)
	cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	called := false
	_, err := cb.Execute(func() (interface{}, error) { called = true; return "ok", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must short-circuit without invoking the request")
}

func TestCircuitBreaker_HalfOpenAfterTimeoutThenClosesOnSuccess(t *testing.T) {
	cb := New(tripAfterTwoFailures("slack"))
	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	cb.Execute(failing)
	cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State(), "a success in half-open (MaxRequests=1) must close the breaker")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(tripAfterTwoFailures("slack"))
	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	cb.Execute(failing)
	cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	_, err := cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "a failed half-open probe must reopen the circuit")
}

func TestCircuitBreaker_PanicIsRecordedAsFailureAndRepanics(t *testing.T) {
	cb := New(tripAfterTwoFailures("slack"))
	run := func() {
		cb.Execute(func() (interface{}, error) { panic("connector exploded") })
	}
	assert.Panics(t, run)
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestManager_GetOrCreateReturnsSameInstancePerName(t *testing.T) {
	m := NewManager(DefaultConfig("default"))
	a := m.GetOrCreate("slack", nil)
	b := m.GetOrCreate("slack", nil)
	assert.Same(t, a, b)
	assert.Len(t, m.List(), 1)
}

func TestManager_RemoveDropsBreaker(t *testing.T) {
	m := NewManager(DefaultConfig("default"))
	original := m.GetOrCreate("slack", nil)
	m.Remove("slack")
	assert.Empty(t, m.List())

	recreated := m.Get("slack")
	assert.NotSame(t, original, recreated, "Get after Remove creates a fresh breaker, not the removed one")
}

func TestConnectorCircuitBreakers_ForAppIsolatesPerApp(t *testing.T) {
	c := NewConnectorCircuitBreakers()
	slack := c.ForApp("slack")
	gmail := c.ForApp("gmail")
	assert.NotSame(t, slack, gmail)
	assert.Same(t, slack, c.ForApp("slack"), "repeat calls for the same app must return the same breaker")
}

func TestConnectorCircuitBreakers_OneAppOpeningDoesNotAffectAnother(t *testing.T) {
	c := NewConnectorCircuitBreakers()
	slack := c.ForApp("slack")

	failing := func() (interface{}, error) { return nil, errors.New("rate limited") }
	for i := 0; i < 10; i++ {
		slack.Execute(failing)
	}
	assert.Equal(t, StateOpen, slack.State())

	gmail := c.ForApp("gmail")
	_, err := gmail.Execute(func() (interface{}, error) { return "ok", nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, gmail.State())
}

func TestCounts_FailureRatio(t *testing.T) {
	var c Counts
	assert.Equal(t, float64(0), c.FailureRatio())

	c.OnSuccess()
	c.OnSuccess()
	c.OnFailure()
	assert.InDelta(t, 1.0/3.0, c.FailureRatio(), 0.0001)
	assert.Equal(t, uint32(0), c.ConsecutiveSuccesses)
	assert.Equal(t, uint32(1), c.ConsecutiveFailures)
}
