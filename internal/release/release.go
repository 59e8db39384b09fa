// Package release implements the release-channel update engine described
// in spec.md §4.13: cache-aware latest-release lookup, a version guard,
// and plan/apply persistence. Grounded on the teacher's
// internal/upgrade/checker.go (SchemaStatus/FormatError compatibility
// reporting) and cmd/upgrade.go (runUpgradeStatus/runUpgrade/dryRun
// control flow), repurposed from Postgres schema-migration versioning to
// GitHub-release semantic-version comparison. Release listing is
// grounded on nugget-thane-ai-agent's internal/forge/github.go go-github
// client construction.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-github/v69/github"

	"github.com/tauhq/taucore/internal/atomicfile"
	"github.com/tauhq/taucore/pkg/protocol"
)

// LookupSource mirrors spec.md's ReleaseLookupSource values.
const (
	SourceCacheFresh        = protocol.LookupCacheFresh
	SourceLive              = protocol.LookupLive
	SourceCacheStaleFallback = protocol.LookupCacheStaleFallback
)

// GuardCode names the outcome of Guard.
type GuardCode string

const (
	GuardOK                        GuardCode = "ok"
	GuardInvalidCurrentVersion     GuardCode = "invalid_current_version"
	GuardInvalidTargetVersion      GuardCode = "invalid_target_version"
	GuardStablePrereleaseDisallowed GuardCode = "stable_prerelease_disallowed"
	GuardMajorVersionJumpBlocked   GuardCode = "major_version_jump_blocked"
)

// ReleaseInfo mirrors the subset of a GitHub release this engine needs.
type ReleaseInfo struct {
	TagName    string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
	Draft      bool   `json:"draft"`
}

// LookupCache mirrors spec.md §6's release-lookup-cache.json.
type LookupCache struct {
	SchemaVersion   int           `json:"schema_version"`
	SourceURL       string        `json:"source_url"`
	FetchedAtUnixMS int64         `json:"fetched_at_unix_ms"`
	Releases        []ReleaseInfo `json:"releases"`
}

const cacheSchemaVersion = 1

// GuardBlocked carries spec.md §7's GuardBlocked{code} error.
type GuardBlocked struct {
	Code   GuardCode
	Reason string
}

func (e *GuardBlocked) Error() string {
	return fmt.Sprintf("release: guard blocked (%s): %s", e.Code, e.Reason)
}

// version is a parsed dotted major.minor.patch[-pre] string.
type version struct {
	major, minor, patch int
	pre                 string
	raw                 string
}

var errInvalidVersion = errors.New("release: invalid version string")

// parseVersion parses "vX.Y.Z[-pre]" or "X.Y.Z[-pre]"; no semver library
// exists anywhere in the retrieved pack, so this is hand-rolled stdlib
// parsing (justified in DESIGN.md).
func parseVersion(s string) (version, error) {
	raw := s
	s = strings.TrimPrefix(s, "v")
	core := s
	pre := ""
	if i := strings.IndexByte(s, '-'); i >= 0 {
		core, pre = s[:i], s[i+1:]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return version{}, errInvalidVersion
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return version{}, errInvalidVersion
		}
		nums[i] = n
	}
	return version{major: nums[0], minor: nums[1], patch: nums[2], pre: pre, raw: raw}, nil
}

// compare returns -1, 0, 1 for v < other, v == other, v > other.
// A prerelease version sorts below its corresponding release, matching
// common semver tie-break convention.
func (v version) compare(o version) int {
	switch {
	case v.major != o.major:
		return cmpInt(v.major, o.major)
	case v.minor != o.minor:
		return cmpInt(v.minor, o.minor)
	case v.patch != o.patch:
		return cmpInt(v.patch, o.patch)
	case v.pre == o.pre:
		return 0
	case v.pre == "":
		return 1
	case o.pre == "":
		return -1
	default:
		return strings.Compare(v.pre, o.pre)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Lister fetches the live list of releases for a repository (spec.md
// §4.13 "Latest lookup"). The concrete implementation wraps go-github.
type Lister func(ctx context.Context) ([]ReleaseInfo, error)

// GitHubLister builds a Lister backed by go-github for owner/repo.
func GitHubLister(client *github.Client, owner, repo string) Lister {
	return func(ctx context.Context) ([]ReleaseInfo, error) {
		releases, _, err := client.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{PerPage: 50})
		if err != nil {
			return nil, fmt.Errorf("release: list releases: %w", err)
		}
		out := make([]ReleaseInfo, 0, len(releases))
		for _, r := range releases {
			out = append(out, ReleaseInfo{
				TagName:    r.GetTagName(),
				Prerelease: r.GetPrerelease(),
				Draft:      r.GetDraft(),
			})
		}
		return out, nil
	}
}

// SelectLatest implements spec.md's "Channel selection": stable picks the
// newest non-prerelease, non-draft release; beta/dev include
// prereleases. Ties broken by semantic version. Returns false if no
// release qualifies.
func SelectLatest(channel protocol.ReleaseChannel, releases []ReleaseInfo) (ReleaseInfo, bool) {
	var candidates []ReleaseInfo
	for _, r := range releases {
		if r.Draft {
			continue
		}
		if channel == protocol.ChannelStable && r.Prerelease {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return ReleaseInfo{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		vi, erri := parseVersion(candidates[i].TagName)
		vj, errj := parseVersion(candidates[j].TagName)
		if erri != nil || errj != nil {
			return false
		}
		return vi.compare(vj) > 0
	})
	return candidates[0], true
}

// ResolveLatestCached implements spec.md's
// resolve_latest_channel_release_cached: cache-fresh short-circuit, live
// fetch with cache refresh, stale-cache fallback on fetch failure
// (property P7).
func ResolveLatestCached(ctx context.Context, channel protocol.ReleaseChannel, cachePath, sourceURL string, ttlMS int64, nowUnixMS int64, list Lister) (ReleaseInfo, string, error) {
	cache, hasCache, _ := LoadCache(cachePath)

	if hasCache && nowUnixMS-cache.FetchedAtUnixMS <= ttlMS {
		if latest, ok := SelectLatest(channel, cache.Releases); ok {
			return latest, SourceCacheFresh, nil
		}
	}

	releases, err := list(ctx)
	if err == nil {
		_ = SaveCache(cachePath, LookupCache{
			SchemaVersion:   cacheSchemaVersion,
			SourceURL:       sourceURL,
			FetchedAtUnixMS: nowUnixMS,
			Releases:        releases,
		})
		if latest, ok := SelectLatest(channel, releases); ok {
			return latest, SourceLive, nil
		}
		return ReleaseInfo{}, SourceLive, errors.New("release: no qualifying release on live lookup")
	}

	if hasCache {
		if latest, ok := SelectLatest(channel, cache.Releases); ok {
			return latest, SourceCacheStaleFallback, nil
		}
	}
	return ReleaseInfo{}, "", fmt.Errorf("release: live lookup failed and no usable cache: %w", err)
}

// Guard implements spec.md's (channel, current, target) guard decision.
func Guard(channel protocol.ReleaseChannel, current, target string) (GuardCode, error) {
	cur, err := parseVersion(current)
	if err != nil {
		return GuardInvalidCurrentVersion, &GuardBlocked{Code: GuardInvalidCurrentVersion, Reason: "cannot parse current version " + current}
	}
	tgt, err := parseVersion(target)
	if err != nil {
		return GuardInvalidTargetVersion, &GuardBlocked{Code: GuardInvalidTargetVersion, Reason: "cannot parse target version " + target}
	}
	if channel == protocol.ChannelStable && tgt.pre != "" {
		return GuardStablePrereleaseDisallowed, &GuardBlocked{Code: GuardStablePrereleaseDisallowed, Reason: "stable channel disallows prerelease target " + target}
	}
	if tgt.major > cur.major+1 {
		return GuardMajorVersionJumpBlocked, &GuardBlocked{Code: GuardMajorVersionJumpBlocked, Reason: fmt.Sprintf("target major %d jumps past current major %d + 1", tgt.major, cur.major)}
	}
	return GuardOK, nil
}

// Action implements spec.md's action table given a guard outcome.
func Action(guardCode GuardCode, current, target string) protocol.ReleaseUpdateAction {
	if guardCode != GuardOK {
		return protocol.ActionBlocked
	}
	cur, errC := parseVersion(current)
	tgt, errT := parseVersion(target)
	if errC != nil || errT != nil {
		return protocol.ActionBlocked
	}
	if cur.compare(tgt) < 0 {
		return protocol.ActionUpgrade
	}
	return protocol.ActionNoop
}

// UpdateState mirrors spec.md's ReleaseUpdateState.
type UpdateState struct {
	Channel               protocol.ReleaseChannel    `json:"channel"`
	CurrentVersion        string                     `json:"current_version"`
	TargetVersion         string                     `json:"target_version"`
	Action                protocol.ReleaseUpdateAction `json:"action"`
	DryRun                bool                       `json:"dry_run"`
	LookupSource          string                     `json:"lookup_source"`
	GuardCode             GuardCode                  `json:"guard_code"`
	GuardReason           string                     `json:"guard_reason,omitempty"`
	PlannedAtUnixMS       int64                      `json:"planned_at_unix_ms"`
	ApplyAttempts         int                        `json:"apply_attempts"`
	LastApplyUnixMS       *int64                     `json:"last_apply_unix_ms,omitempty"`
	LastApplyStatus       string                     `json:"last_apply_status,omitempty"`
	LastApplyTarget       string                     `json:"last_apply_target,omitempty"`
	RollbackChannel       protocol.ReleaseChannel    `json:"rollback_channel,omitempty"`
	RollbackVersion       string                     `json:"rollback_version,omitempty"`
	RollbackReferenceMS   *int64                     `json:"rollback_reference_unix_ms,omitempty"`
	RollbackReason        string                     `json:"rollback_reason,omitempty"`
}

// Plan builds a fresh UpdateState for (channel, current, target) and the
// already-resolved lookup source, without persisting it.
func Plan(channel protocol.ReleaseChannel, current, target, lookupSource string, dryRun bool, nowUnixMS int64) UpdateState {
	guardCode, guardErr := Guard(channel, current, target)
	reason := ""
	var blocked *GuardBlocked
	if errors.As(guardErr, &blocked) {
		reason = blocked.Reason
	}
	return UpdateState{
		Channel:         channel,
		CurrentVersion:  current,
		TargetVersion:   target,
		Action:          Action(guardCode, current, target),
		DryRun:          dryRun,
		LookupSource:    lookupSource,
		GuardCode:       guardCode,
		GuardReason:     reason,
		PlannedAtUnixMS: nowUnixMS,
	}
}

// Apply advances a planned UpdateState: increments apply_attempts,
// records last_apply_status, and — on an actual (non-dry-run) upgrade —
// stamps rollback fields (spec.md §4.13 "Apply").
func Apply(state UpdateState, nowUnixMS int64) UpdateState {
	state.ApplyAttempts++
	now := nowUnixMS
	state.LastApplyUnixMS = &now

	switch {
	case state.Action == protocol.ActionBlocked:
		state.LastApplyStatus = "blocked"
	case state.Action == protocol.ActionNoop:
		state.LastApplyStatus = "noop"
	case state.DryRun:
		state.LastApplyStatus = "dry_run"
	default:
		state.LastApplyStatus = "applied_metadata"
		state.LastApplyTarget = state.TargetVersion
		state.RollbackChannel = state.Channel
		state.RollbackVersion = state.CurrentVersion
		state.RollbackReferenceMS = &now
		state.RollbackReason = "apply_upgrade"
	}
	return state
}

// SaveState / LoadState persist UpdateState atomically.
func SaveState(path string, s UpdateState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("release: marshal state: %w", err)
	}
	return atomicfile.WriteJSONPretty(path, data, 0o644)
}

func LoadState(path string) (UpdateState, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return UpdateState{}, false, nil
		}
		return UpdateState{}, false, fmt.Errorf("release: read state %s: %w", path, err)
	}
	var s UpdateState
	if err := json.Unmarshal(data, &s); err != nil {
		return UpdateState{}, false, fmt.Errorf("release: parse state %s: %w", path, err)
	}
	return s, true, nil
}

// SaveCache / LoadCache persist the release-lookup cache (round-trip law
// R2: source_url and fetched_at_unix_ms survive unchanged).
func SaveCache(path string, c LookupCache) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("release: marshal cache: %w", err)
	}
	return atomicfile.WriteJSONPretty(path, data, 0o644)
}

func LoadCache(path string) (LookupCache, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LookupCache{}, false, nil
		}
		return LookupCache{}, false, fmt.Errorf("release: read cache %s: %w", path, err)
	}
	var c LookupCache
	if err := json.Unmarshal(data, &c); err != nil {
		return LookupCache{}, false, fmt.Errorf("release: parse cache %s: %w", path, err)
	}
	if c.SchemaVersion != cacheSchemaVersion {
		return LookupCache{}, false, fmt.Errorf("release: cache schema mismatch at %s: expected %d, got %d", path, cacheSchemaVersion, c.SchemaVersion)
	}
	return c, true, nil
}

// PruneCacheResult mirrors spec.md property P6's cache-prune decision.
type PruneCacheResult struct {
	Status string // "kept" | "removed" | "missing"
	Reason string // "fresh" | "stale" | "invalid" | "missing"
}

// PruneCache implements spec.md §4.13's cache-prune decisions: fresh
// caches are kept, stale ones deleted, invalid/unsupported-schema caches
// deleted with a distinct reason, and a missing cache reported as such.
func PruneCache(path string, ttlMS, nowUnixMS int64) (PruneCacheResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PruneCacheResult{Status: "missing", Reason: "missing"}, nil
		}
		return PruneCacheResult{}, fmt.Errorf("release: read cache %s: %w", path, err)
	}
	var c LookupCache
	if err := json.Unmarshal(data, &c); err != nil || c.SchemaVersion != cacheSchemaVersion {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return PruneCacheResult{}, fmt.Errorf("release: remove invalid cache %s: %w", path, rmErr)
		}
		return PruneCacheResult{Status: "removed", Reason: "invalid"}, nil
	}
	if nowUnixMS-c.FetchedAtUnixMS > ttlMS {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return PruneCacheResult{}, fmt.Errorf("release: remove stale cache %s: %w", path, err)
		}
		return PruneCacheResult{Status: "removed", Reason: "stale"}, nil
	}
	return PruneCacheResult{Status: "kept", Reason: "fresh"}, nil
}
