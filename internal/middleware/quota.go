package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// QuotaGate enforces per-organization API-call and token quotas. The
// Workflow Runtime consults Allow and AllowTokens before invoking a
// connector (spec.md §4.8 step 9); internal/httpapi consults Allow at the
// request edge.
type QuotaGate struct {
	mu           sync.RWMutex
	windows      map[string]*quotaWindow
	tokenWindows map[string]*quotaWindow
	defaults     QuotaConfig
	logger       *log.Logger
}

// QuotaConfig defines the default per-minute thresholds, overridable per
// organization via Organization.MaxAPICallsPerMinute/MaxTokensPerMinute.
type QuotaConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type quotaWindow struct {
	count       int
	windowStart time.Time
}

// NewQuotaGate creates a quota gate with the given defaults.
func NewQuotaGate(cfg QuotaConfig) *QuotaGate {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 600
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	qg := &QuotaGate{
		windows:      make(map[string]*quotaWindow),
		tokenWindows: make(map[string]*quotaWindow),
		defaults:     cfg,
		logger:       log.New(log.Writer(), "[QUOTA] ", log.LstdFlags),
	}
	go qg.cleanup()
	return qg
}

// Allow checks whether a call scoped to key (typically organizationId, or
// organizationId:nodeKind) is within the per-minute limit for maxPerMinute.
// Pass 0 for maxPerMinute to use the gate's default.
func (qg *QuotaGate) Allow(key string, maxPerMinute int) bool {
	if maxPerMinute == 0 {
		maxPerMinute = qg.defaults.MaxCallsPerMinute
	}
	burst := maxPerMinute * 2
	now := time.Now()

	qg.mu.RLock()
	window, exists := qg.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		qg.mu.RUnlock()

		if count > burst {
			qg.logger.Printf("quota exceeded (burst): key=%s count=%d limit=%d", key, count, burst)
			return false
		}
		return count <= maxPerMinute
	}
	qg.mu.RUnlock()

	qg.mu.Lock()
	defer qg.mu.Unlock()

	window, exists = qg.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= maxPerMinute
	}

	qg.windows[key] = &quotaWindow{count: 1, windowStart: now}
	return true
}

// AllowTokens checks whether consuming tokens more tokens scoped to key is
// within the per-minute token budget maxTokensPerMinute. Unlike Allow,
// which counts calls, this sums the reported cost of each call within the
// window — a single expensive connector invocation can exhaust the budget
// on its own. maxTokensPerMinute <= 0 means no token quota is configured
// for the caller, so the check always passes.
func (qg *QuotaGate) AllowTokens(key string, tokens, maxTokensPerMinute int) bool {
	if maxTokensPerMinute <= 0 {
		return true
	}
	now := time.Now()

	qg.mu.Lock()
	defer qg.mu.Unlock()

	window, exists := qg.tokenWindows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count += tokens
		if window.count > maxTokensPerMinute {
			qg.logger.Printf("token quota exceeded: key=%s tokens=%d limit=%d", key, window.count, maxTokensPerMinute)
			return false
		}
		return true
	}

	qg.tokenWindows[key] = &quotaWindow{count: tokens, windowStart: now}
	return tokens <= maxTokensPerMinute
}

// Middleware enforces the gate's default quota keyed on organization id,
// extracted by orgKeyFunc (typically orgctx.OrganizationID).
func (qg *QuotaGate) Middleware(orgKeyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := orgKeyFunc(r)
			if key == "" {
				key = "anonymous"
			}
			if !qg.Allow(key, 0) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"quota exceeded","retryAfterSeconds":60}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (qg *QuotaGate) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		qg.mu.Lock()
		now := time.Now()
		for key, window := range qg.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(qg.windows, key)
			}
		}
		for key, window := range qg.tokenWindows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(qg.tokenWindows, key)
			}
		}
		qg.mu.Unlock()
	}
}

// Stats reports current gate occupancy for diagnostics.
func (qg *QuotaGate) Stats() map[string]interface{} {
	qg.mu.RLock()
	defer qg.mu.RUnlock()
	return map[string]interface{}{
		"activeWindows":  len(qg.windows),
		"maxCallsPerMin": qg.defaults.MaxCallsPerMinute,
		"burstSize":      qg.defaults.BurstSize,
	}
}
