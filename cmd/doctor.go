package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tauhq/taucore/internal/config"
	"github.com/tauhq/taucore/internal/health"
	"github.com/tauhq/taucore/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, transport credentials, and persisted state health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("taucore doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (using defaults; file not found)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	stateDir := config.ExpandHome(cfg.StateDir)
	fmt.Println()
	fmt.Printf("  State dir: %s", stateDir)
	if _, err := os.Stat(stateDir); err != nil {
		fmt.Println(" (NOT FOUND — will be created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Transports:")
	names := make([]string, 0, len(cfg.Transports))
	for name := range cfg.Transports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tc := cfg.Transports[name]
		status := "disabled"
		if tc.Enabled {
			status = "enabled"
			if !hasCredentials(name, tc) {
				status = "enabled (missing credentials)"
			}
		}
		fmt.Printf("    %-12s %s\n", name+":", status)
	}
	if len(names) == 0 {
		fmt.Println("    (none configured)")
	}

	fmt.Println()
	fmt.Println("  Pairing policy:")
	mode := "permissive"
	if cfg.Pairing.StrictMode {
		mode = "strict"
	}
	fmt.Printf("    %-12s %s\n", "Mode:", mode)
	fmt.Printf("    %-12s %d\n", "Channel rules:", len(cfg.Pairing.Channels))

	fmt.Println()
	fmt.Println("  Release channel:")
	fmt.Printf("    %-12s %s\n", "Channel:", cfg.ReleaseChannel)
	fmt.Printf("    %-12s %s/%s\n", "Repo:", cfg.ReleaseRepoOwner, cfg.ReleaseRepoName)
	if snap, ok, err := health.Load(filepath.Join(stateDir, "transport-health.json")); err == nil && ok {
		fmt.Println()
		fmt.Println("  Last transport health snapshot:")
		fmt.Printf("    %-16s queue_depth=%d active_runs=%d failure_streak=%d\n",
			"Counters:", snap.QueueDepth, snap.ActiveRuns, snap.FailureStreak)
	}

	fmt.Println()
	fmt.Println("  Tracing:")
	tracingStatus := "disabled"
	if cfg.Tracing.Enabled {
		tracingStatus = fmt.Sprintf("enabled (otlp_endpoint=%s)", cfg.Tracing.OTLPEndpoint)
	}
	fmt.Printf("    %-12s %s\n", "Status:", tracingStatus)

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func hasCredentials(name string, tc config.TransportConfig) bool {
	switch name {
	case "slack":
		return tc.AppToken != "" && tc.BotToken != ""
	case "github":
		return tc.BotToken != "" && tc.GitHubOwner != "" && tc.GitHubRepo != ""
	case "telegram", "discord":
		return tc.BotToken != ""
	case "whatsapp":
		return tc.APIBase != ""
	case "webhook":
		return tc.ListenAddr != "" && tc.VerifyToken != "" && tc.WebhookSecret != ""
	default:
		return true
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
