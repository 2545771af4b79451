package webhookingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
)

func signGeneric(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGenericHMACStrategy_ValidSignature(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"event":"ping"}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set("X-Timestamp", ts)
	h.Set("X-Signature", signGeneric(secret, ts, body))

	err := genericHMACStrategy{}.Verify(secret, h, body, 5*time.Minute, now)
	assert.NoError(t, err)
}

func TestGenericHMACStrategy_RejectsTamperedBody(t *testing.T) {
	secret := "s3cret"
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set("X-Timestamp", ts)
	h.Set("X-Signature", signGeneric(secret, ts, []byte("original")))

	err := genericHMACStrategy{}.Verify(secret, h, []byte("tampered"), 5*time.Minute, now)
	require.Error(t, err)
}

func TestGenericHMACStrategy_RejectsStaleTimestamp(t *testing.T) {
	secret := "s3cret"
	body := []byte("payload")
	now := time.Now()
	stale := now.Add(-10 * time.Minute)
	ts := strconv.FormatInt(stale.Unix(), 10)

	h := http.Header{}
	h.Set("X-Timestamp", ts)
	h.Set("X-Signature", signGeneric(secret, ts, body))

	err := genericHMACStrategy{}.Verify(secret, h, body, 5*time.Minute, now)
	require.Error(t, err)
}

func TestGithubStrategy_ValidSignature(t *testing.T) {
	secret := "ghsecret"
	body := []byte(`{"zen":"keep it logically awesome"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("X-Hub-Signature-256", sig)

	err := githubStrategy{}.Verify(secret, h, body, 5*time.Minute, time.Now())
	assert.NoError(t, err)
}

func TestGithubStrategy_MissingHeader(t *testing.T) {
	err := githubStrategy{}.Verify("secret", http.Header{}, []byte("x"), 5*time.Minute, time.Now())
	require.Error(t, err)
}

func TestStripeStrategy_ValidSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	v1 := hex.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("Stripe-Signature", "t="+ts+",v1="+v1)

	err := stripeStrategy{}.Verify(secret, h, body, 5*time.Minute, now)
	assert.NoError(t, err)
}

func TestStripeStrategy_MalformedHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Stripe-Signature", "garbage")
	err := stripeStrategy{}.Verify("secret", h, []byte("x"), 5*time.Minute, time.Now())
	require.Error(t, err)
}

func TestDedupeToken_FallsBackToBodyDigest(t *testing.T) {
	body := []byte("payload")
	trigger := &domain.TriggerRecord{SignatureStrategy: "stripe-sha256"}
	assert.Equal(t, digest(body), dedupeToken(trigger, http.Header{}, body))
	assert.NotEqual(t, dedupeToken(trigger, http.Header{}, body), dedupeToken(trigger, http.Header{}, []byte("other")))
}
