package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/redeyes-project/redeye/internal/agent"
	"github.com/redeyes-project/redeye/internal/config"
	"github.com/redeyes-project/redeye/internal/exec"
	"github.com/redeyes-project/redeye/internal/feed"
	"github.com/redeyes-project/redeye/internal/gate"
	"github.com/redeyes-project/redeye/internal/guard"
	"github.com/redeyes-project/redeye/internal/llm"
	"github.com/redeyes-project/redeye/internal/logging"
	"github.com/redeyes-project/redeye/internal/session"
	"github.com/redeyes-project/redeye/internal/tools"
)

var (
	runObjective string
	runTargets   []string
	runPhase     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a supervised testing session",
	Long: `Start a session: the model plans commands toward the objective, the
operator confirms anything above low risk, results feed back into the
next planning round.

Examples:
  redeye run --objective "enumerate the lab DMZ" --target 192.168.56.0/24
  redeye run --objective "web app review" --target app.lab.test --phase enumeration`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVarP(&runObjective, "objective", "o", "", "engagement objective (required)")
	runCmd.Flags().StringSliceVarP(&runTargets, "target", "t", nil, "in-scope target (repeatable)")
	runCmd.Flags().StringVar(&runPhase, "phase", "", "start in a specific phase instead of recon")
	runCmd.MarkFlagRequired("objective")
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (config.Config, error) {
	profilePath := ""
	if profile != "" {
		profilePath = config.ProfilePath(profile)
	}
	cfg, layers, err := config.Load(cfgFile, profilePath, "")
	if err != nil {
		return config.Config{}, err
	}
	if assumeYes {
		cfg.Gate.AssumeYes = true
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logrus.WithField("layers", layers).Debug("config loaded")
	return cfg, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Scope.Targets = append(cfg.Scope.Targets, runTargets...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	dirID := session.NewDirID()
	store, err := session.NewStore(cfg.Session.LogDir, dirID)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.JSON, store.LogPath())
	log := logger.WithField("session", dirID)

	sess := session.New(runObjective, store, log)
	if runPhase != "" {
		if err := sess.OverridePhase(runPhase); err != nil {
			return err
		}
	}
	for _, target := range runTargets {
		sess.AddTarget(target, targetKind(target))
	}

	registry := tools.NewRegistry(cfg.Tools.Extra, log)
	installed := registry.Refresh()
	log.WithField("installed", installed).Info("tool registry ready")

	scope := guard.NewScopePolicy(
		append(cfg.Scope.Targets, cfg.Scope.Networks...),
		cfg.Scope.DenyTargets,
	)
	workingRoot := cfg.Executor.WorkingRoot
	if cfg.Executor.RestrictToWorkdir && workingRoot == "" {
		workingRoot, _ = os.Getwd()
	}
	g := guard.New(workingRoot, scope)

	runner := exec.NewRunner(g, sess, cfg.ExecTimeout(), cfg.ExecGrace(), cfg.Executor.MaxOutputBytes, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub(log)
		go hub.Run(ctx)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		server := &http.Server{Addr: cfg.Feed.ListenAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("feed server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		log.WithField("addr", cfg.Feed.ListenAddr).Info("operator feed listening")
	}

	loop := &agent.Loop{
		Cfg:       cfg,
		Session:   sess,
		Client:    llm.NewHTTPClient(cfg.LLM),
		Breaker:   llm.NewBreaker(cfg.LLM.MaxFailures, cfg.LLMCooldown()),
		Registry:  registry,
		Guard:     g,
		Runner:    runner,
		Gate:      gate.NewPolicy(cfg.Gate.AssumeYes, cfg.GateCooldown()),
		Confirmer: gate.NewTerminalConfirmer(),
		Feed:      feedOrNil(hub),
		Log:       log,
	}

	outcome, runErr := loop.Run(ctx)
	sess.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "session %s finished: %s after %d iteration(s)\n",
		dirID, outcome.Reason, outcome.Iterations)
	fmt.Fprintf(cmd.OutOrStdout(), "artifacts: %s\n", store.Dir())
	if runErr != nil && outcome.Reason != agent.ReasonAborted {
		return runErr
	}
	return nil
}

// feedOrNil keeps the loop's nil check meaningful: a typed nil *Hub
// inside the interface would defeat it.
func feedOrNil(hub *feed.Hub) agent.Publisher {
	if hub == nil {
		return nil
	}
	return hub
}

func targetKind(identifier string) session.TargetKind {
	for _, r := range identifier {
		if r == '/' {
			return session.TargetNetwork
		}
	}
	for _, r := range identifier {
		if r != '.' && (r < '0' || r > '9') {
			return session.TargetDomain
		}
	}
	return session.TargetHost
}
