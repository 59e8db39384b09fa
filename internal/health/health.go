// Package health persists the per-transport cycle-counter snapshot named
// in spec.md §2 item 15 and §6's transport-health.json layout. Grounded
// on the teacher's internal/upgrade/checker.go status-struct idiom
// (a plain comparable struct reporting compatibility) persisted here via
// internal/atomicfile instead of a database row.
package health

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tauhq/taucore/internal/atomicfile"
	"github.com/tauhq/taucore/internal/dispatch"
)

// Snapshot mirrors spec.md §6's transport-health.json document.
type Snapshot struct {
	UpdatedUnixMS      int64 `json:"updated_unix_ms"`
	CycleDurationMS    int64 `json:"cycle_duration_ms"`
	QueueDepth         int   `json:"queue_depth"`
	ActiveRuns         int   `json:"active_runs"`
	FailureStreak      int   `json:"failure_streak"`
	LastCycleDiscovered int64 `json:"last_cycle_discovered"`
	LastCycleProcessed int64 `json:"last_cycle_processed"`
	LastCycleCompleted int64 `json:"last_cycle_completed"`
	LastCycleFailed    int64 `json:"last_cycle_failed"`
	LastCycleDuplicates int64 `json:"last_cycle_duplicates"`
}

// FromCounters builds a Snapshot from a dispatch.Counters delta plus the
// scheduler's live active-run/queue-depth state.
func FromCounters(nowUnixMS, cycleDurationMS int64, queueDepth, activeRuns, failureStreak int, delta dispatch.Counters) Snapshot {
	return Snapshot{
		UpdatedUnixMS:       nowUnixMS,
		CycleDurationMS:     cycleDurationMS,
		QueueDepth:          queueDepth,
		ActiveRuns:          activeRuns,
		FailureStreak:       failureStreak,
		LastCycleDiscovered: delta.DiscoveredEvents,
		LastCycleProcessed:  delta.QueuedEvents,
		LastCycleCompleted:  delta.CompletedRuns,
		LastCycleFailed:     delta.FailedEvents,
		LastCycleDuplicates: delta.SkippedDuplicateEvents,
	}
}

// Save atomically persists the snapshot to path.
func Save(path string, s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("health: marshal: %w", err)
	}
	return atomicfile.WriteJSONPretty(path, data, 0o644)
}

// Load reads a previously persisted snapshot; a missing file yields the
// zero Snapshot with ok=false rather than an error, matching the
// read-or-default idiom used throughout the persisted-state layer.
func Load(path string) (Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("health: read %s: %w", path, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("health: parse %s: %w", path, err)
	}
	return s, true, nil
}

// Delta computes the counters accrued since a prior cumulative snapshot.
func Delta(prev, cur dispatch.Counters) dispatch.Counters {
	return dispatch.Counters{
		DiscoveredEvents:       cur.DiscoveredEvents - prev.DiscoveredEvents,
		SkippedDuplicateEvents: cur.SkippedDuplicateEvents - prev.SkippedDuplicateEvents,
		SkippedStaleEvents:     cur.SkippedStaleEvents - prev.SkippedStaleEvents,
		QueuedEvents:           cur.QueuedEvents - prev.QueuedEvents,
		CompletedRuns:          cur.CompletedRuns - prev.CompletedRuns,
		FailedEvents:           cur.FailedEvents - prev.FailedEvents,
	}
}
