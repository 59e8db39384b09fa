package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tauhq/taucore/internal/health"
	"github.com/tauhq/taucore/internal/release"
)

// MirrorStore upserts transport-health and release-update-state snapshots
// into Postgres so a load-balanced fleet of taucore replicas can read a
// shared view, instead of each replica only seeing its own local
// transport-health.json. Every method here is best-effort from the
// caller's perspective: a mirror write failure never fails the poll
// cycle or the release-update flow that produced the snapshot (the file
// store already persisted it).
type MirrorStore struct {
	pool *pgxpool.Pool
}

// NewMirrorStore wraps an already-open pool.
func NewMirrorStore(pool *pgxpool.Pool) *MirrorStore {
	return &MirrorStore{pool: pool}
}

// Close releases the underlying pool.
func (s *MirrorStore) Close() {
	s.pool.Close()
}

// UpsertTransportHealth mirrors one transport's health.Snapshot.
func (s *MirrorStore) UpsertTransportHealth(ctx context.Context, transport string, snap health.Snapshot) error {
	const q = `
INSERT INTO transport_health_mirror (
	transport, updated_unix_ms, cycle_duration_ms, queue_depth, active_runs,
	failure_streak, last_cycle_discovered, last_cycle_processed,
	last_cycle_completed, last_cycle_failed, last_cycle_duplicates
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (transport) DO UPDATE SET
	updated_unix_ms = EXCLUDED.updated_unix_ms,
	cycle_duration_ms = EXCLUDED.cycle_duration_ms,
	queue_depth = EXCLUDED.queue_depth,
	active_runs = EXCLUDED.active_runs,
	failure_streak = EXCLUDED.failure_streak,
	last_cycle_discovered = EXCLUDED.last_cycle_discovered,
	last_cycle_processed = EXCLUDED.last_cycle_processed,
	last_cycle_completed = EXCLUDED.last_cycle_completed,
	last_cycle_failed = EXCLUDED.last_cycle_failed,
	last_cycle_duplicates = EXCLUDED.last_cycle_duplicates`

	_, err := s.pool.Exec(ctx, q, transport, snap.UpdatedUnixMS, snap.CycleDurationMS, snap.QueueDepth,
		snap.ActiveRuns, snap.FailureStreak, snap.LastCycleDiscovered, snap.LastCycleProcessed,
		snap.LastCycleCompleted, snap.LastCycleFailed, snap.LastCycleDuplicates)
	if err != nil {
		return fmt.Errorf("pg: upsert transport_health_mirror: %w", err)
	}
	return nil
}

// UpsertReleaseUpdateState mirrors the release-channel update engine's
// current plan/apply state for one channel.
func (s *MirrorStore) UpsertReleaseUpdateState(ctx context.Context, st release.UpdateState) error {
	const q = `
INSERT INTO release_update_state_mirror (
	channel, current_version, target_version, action, dry_run,
	lookup_source, guard_code, guard_reason, planned_at_unix_ms,
	apply_attempts, last_apply_status, last_apply_target
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (channel) DO UPDATE SET
	current_version = EXCLUDED.current_version,
	target_version = EXCLUDED.target_version,
	action = EXCLUDED.action,
	dry_run = EXCLUDED.dry_run,
	lookup_source = EXCLUDED.lookup_source,
	guard_code = EXCLUDED.guard_code,
	guard_reason = EXCLUDED.guard_reason,
	planned_at_unix_ms = EXCLUDED.planned_at_unix_ms,
	apply_attempts = EXCLUDED.apply_attempts,
	last_apply_status = EXCLUDED.last_apply_status,
	last_apply_target = EXCLUDED.last_apply_target`

	_, err := s.pool.Exec(ctx, q, string(st.Channel), st.CurrentVersion, st.TargetVersion, string(st.Action),
		st.DryRun, st.LookupSource, string(st.GuardCode), st.GuardReason, st.PlannedAtUnixMS,
		st.ApplyAttempts, st.LastApplyStatus, st.LastApplyTarget)
	if err != nil {
		return fmt.Errorf("pg: upsert release_update_state_mirror: %w", err)
	}
	return nil
}

// TransportHealthSnapshot reads one transport's mirrored health row, if any.
func (s *MirrorStore) TransportHealthSnapshot(ctx context.Context, transport string) (health.Snapshot, bool, error) {
	const q = `
SELECT updated_unix_ms, cycle_duration_ms, queue_depth, active_runs, failure_streak,
	last_cycle_discovered, last_cycle_processed, last_cycle_completed,
	last_cycle_failed, last_cycle_duplicates
FROM transport_health_mirror WHERE transport = $1`

	var snap health.Snapshot
	err := s.pool.QueryRow(ctx, q, transport).Scan(
		&snap.UpdatedUnixMS, &snap.CycleDurationMS, &snap.QueueDepth, &snap.ActiveRuns, &snap.FailureStreak,
		&snap.LastCycleDiscovered, &snap.LastCycleProcessed, &snap.LastCycleCompleted,
		&snap.LastCycleFailed, &snap.LastCycleDuplicates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return health.Snapshot{}, false, nil
		}
		return health.Snapshot{}, false, fmt.Errorf("pg: query transport_health_mirror: %w", err)
	}
	return snap, true, nil
}
