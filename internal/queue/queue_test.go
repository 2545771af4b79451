package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoff(0))
	assert.Equal(t, 2*time.Second, backoff(1))
	assert.Equal(t, 4*time.Second, backoff(2))
	assert.Equal(t, 10*time.Minute, backoff(30), "large attempt counts must not overflow past the ceiling")
}

func TestEngine_StatusReflectsLeasesAndLastError(t *testing.T) {
	e := New(nil, nil, nil, Config{WorkerCount: 3})

	e.incLeases()
	e.incLeases()
	st := e.Status()
	assert.Equal(t, 3, st.WorkerCount)
	assert.Equal(t, int32(2), st.ActiveLeases)
	assert.Empty(t, st.LastError)

	e.decLeases()
	st = e.Status()
	assert.Equal(t, int32(1), st.ActiveLeases)

	e.setLastError(assertionError{"dequeue failed"})
	st = e.Status()
	assert.Equal(t, "dequeue failed", st.LastError)
}

type assertionError struct{ msg string }

func (e assertionError) Error() string { return e.msg }

func TestNew_AppliesDefaults(t *testing.T) {
	e := New(nil, nil, nil, Config{})
	assert.Equal(t, 4, e.cfg.WorkerCount)
	assert.Equal(t, 500*time.Millisecond, e.cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, e.cfg.VisibilityTimeout)
	assert.Equal(t, 5, e.cfg.MaxAttempts)
	assert.Equal(t, "queue-worker", e.cfg.WorkerIDPrefix)
}
