package webhookingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/ocx/backend/internal/apperrors"
)

// SignatureStrategy validates one provider's webhook authentication
// scheme and extracts the value used to compute a dedupe token.
type SignatureStrategy interface {
	// Verify checks the request's signature over (timestamp, body) against
	// secret, enforcing tolerance on the signed timestamp's age.
	Verify(secret string, headers http.Header, body []byte, tolerance time.Duration, now time.Time) error
	// EventID returns a provider-supplied event identifier to use as the
	// dedupe token, or "" if the provider doesn't supply one (callers
	// fall back to hashing the body).
	EventID(headers http.Header, body []byte) string
}

// Strategies is the name -> implementation registry consulted by the
// ingress handler for a trigger's signatureStrategy field.
var Strategies = map[string]SignatureStrategy{
	"slack-v0":            slackV0Strategy{},
	"github-hmac-sha256":  githubStrategy{},
	"stripe-sha256":       stripeStrategy{},
	"hmac-sha256":         genericHMACStrategy{},
}

// genericHMACStrategy verifies X-Signature as hex HMAC-SHA256 over
// (timestamp ∥ body), with the timestamp carried in X-Timestamp.
type genericHMACStrategy struct{}

func (genericHMACStrategy) Verify(secret string, headers http.Header, body []byte, tolerance time.Duration, now time.Time) error {
	sig := headers.Get("X-Signature")
	ts := headers.Get("X-Timestamp")
	if sig == "" {
		return apperrors.New(apperrors.KindSignature, "missing X-Signature header")
	}
	if err := checkTimestamp(ts, tolerance, now); err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperrors.New(apperrors.KindSignature, "signature mismatch")
	}
	return nil
}

func (genericHMACStrategy) EventID(headers http.Header, body []byte) string {
	return headers.Get("X-Event-Id")
}

// githubStrategy verifies X-Hub-Signature-256 (sha256=<hex>) over the raw
// body; GitHub has no separate timestamp header, so replay tolerance is
// enforced at the dedupe layer instead.
type githubStrategy struct{}

func (githubStrategy) Verify(secret string, headers http.Header, body []byte, tolerance time.Duration, now time.Time) error {
	sig := headers.Get("X-Hub-Signature-256")
	if sig == "" {
		return apperrors.New(apperrors.KindSignature, "missing X-Hub-Signature-256 header")
	}
	sig = strings.TrimPrefix(sig, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperrors.New(apperrors.KindSignature, "signature mismatch")
	}
	return nil
}

func (githubStrategy) EventID(headers http.Header, body []byte) string {
	return headers.Get("X-GitHub-Delivery")
}

// stripeStrategy verifies the Stripe-Signature header's v1 scheme:
// "t=<unix>,v1=<hex hmac over t.body>".
type stripeStrategy struct{}

func (stripeStrategy) Verify(secret string, headers http.Header, body []byte, tolerance time.Duration, now time.Time) error {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return apperrors.New(apperrors.KindSignature, "missing Stripe-Signature header")
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == "" || v1 == "" {
		return apperrors.New(apperrors.KindSignature, "malformed Stripe-Signature header")
	}
	if err := checkTimestamp(ts, tolerance, now); err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return apperrors.New(apperrors.KindSignature, "signature mismatch")
	}
	return nil
}

func (stripeStrategy) EventID(headers http.Header, body []byte) string {
	return ""
}

// slackV0Strategy delegates to slack-go/slack's SecretsVerifier, which
// implements Slack's v0 signing scheme (X-Slack-Signature,
// X-Slack-Request-Timestamp) including its own replay tolerance.
type slackV0Strategy struct{}

func (slackV0Strategy) Verify(secret string, headers http.Header, body []byte, tolerance time.Duration, now time.Time) error {
	ts := headers.Get("X-Slack-Request-Timestamp")
	if err := checkTimestamp(ts, tolerance, now); err != nil {
		return err
	}
	sv, err := slack.NewSecretsVerifier(headers, secret)
	if err != nil {
		return apperrors.Wrap(apperrors.KindSignature, "building slack verifier", err)
	}
	if _, err := sv.Write(body); err != nil {
		return apperrors.Wrap(apperrors.KindSignature, "hashing slack payload", err)
	}
	if err := sv.Ensure(); err != nil {
		return apperrors.Wrap(apperrors.KindSignature, "slack signature mismatch", err)
	}
	return nil
}

func (slackV0Strategy) EventID(headers http.Header, body []byte) string {
	return ""
}

// checkTimestamp rejects a signed timestamp older than tolerance.
func checkTimestamp(raw string, tolerance time.Duration, now time.Time) error {
	if raw == "" {
		return apperrors.New(apperrors.KindSignature, "missing signed timestamp")
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return apperrors.Wrap(apperrors.KindSignature, "invalid signed timestamp", err)
	}
	signed := time.Unix(unix, 0)
	age := now.Sub(signed)
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return apperrors.New(apperrors.KindSignature, fmt.Sprintf("signed timestamp %s outside replay tolerance %s", age, tolerance))
	}
	return nil
}
