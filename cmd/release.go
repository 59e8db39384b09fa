// Package cmd's release subcommands wrap internal/release's lookup/
// guard/plan/apply pipeline (spec.md §4.13) behind "taucore release
// check|apply|prune-cache". Grounded on the teacher's cmd/upgrade.go
// (golang-migrate-backed schema upgrade CLI shape: check current state,
// print a plan, require an explicit apply flag), adapted from a DB
// schema upgrade to a release-channel binary upgrade.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/google/go-github/v69/github"
	"github.com/spf13/cobra"

	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/config"
	"github.com/tauhq/taucore/internal/release"
)

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Inspect and apply release-channel updates",
	}
	cmd.AddCommand(releaseCheckCmd())
	cmd.AddCommand(releaseApplyCmd())
	cmd.AddCommand(releasePruneCacheCmd())
	return cmd
}

func releaseCheckCmd() *cobra.Command {
	var currentVersion string
	c := &cobra.Command{
		Use:   "check",
		Short: "Resolve the latest release on the configured channel and print the upgrade guard verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReleaseCheck(currentVersion, false)
		},
	}
	c.Flags().StringVar(&currentVersion, "current-version", Version, "version to evaluate the guard against")
	return c
}

func releaseApplyCmd() *cobra.Command {
	var currentVersion string
	var dryRun bool
	c := &cobra.Command{
		Use:   "apply",
		Short: "Resolve, guard, and persist an update plan (dry-run by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReleaseCheck(currentVersion, !dryRun)
		},
	}
	c.Flags().StringVar(&currentVersion, "current-version", Version, "version to evaluate the guard against")
	c.Flags().BoolVar(&dryRun, "dry-run", true, "plan the update without marking it applied")
	return c
}

func releasePruneCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-cache",
		Short: "Delete the release lookup cache file if it is stale or invalid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stateDir := config.ExpandHome(cfg.StateDir)
			cachePath := filepath.Join(stateDir, "release-lookup-cache.json")
			result, err := release.PruneCache(cachePath, cfg.ReleaseCacheTTLMS, clock.Real{}.NowUnixMS())
			if err != nil {
				return fmt.Errorf("prune release cache: %w", err)
			}
			fmt.Printf("cache: %s (%s)\n", result.Status, result.Reason)
			return nil
		},
	}
}

func runReleaseCheck(currentVersion string, apply bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stateDir := config.ExpandHome(cfg.StateDir)
	if err := ensureDir(stateDir); err != nil {
		return err
	}
	cachePath := filepath.Join(stateDir, "release-lookup-cache.json")
	statePath := filepath.Join(stateDir, "release-update-state.json")

	ghToken := cfg.Transports["github"].BotToken
	client := github.NewClient(http.DefaultClient)
	if ghToken != "" {
		client = client.WithAuthToken(ghToken)
	}
	owner, repo := cfg.ReleaseRepoOwner, cfg.ReleaseRepoName
	lister := release.GitHubLister(client, owner, repo)

	ctx := context.Background()
	now := clock.Real{}.NowUnixMS()
	sourceURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases", owner, repo)
	info, source, err := release.ResolveLatestCached(ctx, cfg.ReleaseChannel, cachePath, sourceURL, cfg.ReleaseCacheTTLMS, now, lister)
	if err != nil {
		return fmt.Errorf("resolve latest release: %w", err)
	}
	fmt.Printf("channel:  %s\n", cfg.ReleaseChannel)
	fmt.Printf("current:  %s\n", currentVersion)
	fmt.Printf("latest:   %s (source: %s)\n", info.TagName, source)

	guardCode, err := release.Guard(cfg.ReleaseChannel, currentVersion, info.TagName)
	if err != nil {
		return fmt.Errorf("evaluate guard: %w", err)
	}
	action := release.Action(guardCode, currentVersion, info.TagName)
	fmt.Printf("guard:    %s\n", guardCode)
	fmt.Printf("action:   %s\n", action)

	state := release.Plan(cfg.ReleaseChannel, currentVersion, info.TagName, source, !apply, now)
	if apply {
		state = release.Apply(state, clock.Real{}.NowUnixMS())
	}
	if err := release.SaveState(statePath, state); err != nil {
		return fmt.Errorf("persist release state: %w", err)
	}
	if apply {
		fmt.Println("applied: plan persisted and marked applied")
	} else {
		fmt.Println("dry-run: plan persisted, not applied (pass apply --dry-run=false to apply)")
	}
	return nil
}
