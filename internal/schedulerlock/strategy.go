package schedulerlock

import (
	"fmt"

	"github.com/ocx/backend/internal/redisx"
	"github.com/ocx/backend/internal/store"
)

// Deps bundles the backends NewFromStrategy can wire a Service from.
type Deps struct {
	DB            *store.Store
	Redis         *redisx.Client
	SingleProcess bool // must be explicit per Open Question 1
}

// NewFromStrategy selects a Service backend by SCHEDULER_STRATEGY
// ("redis" | "postgres" | "in-process"). The in-process backend is
// refused unless deps.SingleProcess is true.
func NewFromStrategy(strategy string, deps Deps) (Service, error) {
	switch strategy {
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("schedulerlock: strategy %q requires a redis client", strategy)
		}
		return NewRedisLock(deps.Redis), nil
	case "postgres", "":
		if deps.DB == nil {
			return nil, fmt.Errorf("schedulerlock: strategy %q requires a store", strategy)
		}
		return NewPostgresLock(deps.DB), nil
	case "in-process":
		if !deps.SingleProcess {
			return nil, fmt.Errorf("schedulerlock: in-process strategy requires SINGLE_PROCESS=true")
		}
		return NewInProcessLock(), nil
	default:
		return nil, fmt.Errorf("schedulerlock: unknown strategy %q", strategy)
	}
}
