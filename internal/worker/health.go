package worker

import (
	"time"

	"tradecore/internal/types"
)

// DeriveHealth classifies a worker from its control state and last run
// time. Disabled wins over everything; a worker that has never run is
// unknown; one whose last run is at least ttl old is stale.
func DeriveHealth(enabled bool, lastRun *time.Time, now time.Time, ttl time.Duration) types.WorkerHealth {
	switch {
	case !enabled:
		return types.WorkerHealthDisabled
	case lastRun == nil:
		return types.WorkerHealthUnknown
	case now.Sub(*lastRun) >= ttl:
		return types.WorkerHealthStale
	default:
		return types.WorkerHealthHealthy
	}
}
