package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/fixbot/internal/classifier"
	"github.com/cexll/fixbot/internal/config"
	"github.com/cexll/fixbot/internal/dispatcher"
	"github.com/cexll/fixbot/internal/gateway"
	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/jobstore"
	"github.com/cexll/fixbot/internal/metrics"
	"github.com/cexll/fixbot/internal/oracle"
	"github.com/cexll/fixbot/internal/orchestrator"
	"github.com/cexll/fixbot/internal/platform"
	"github.com/cexll/fixbot/internal/stages"
	"github.com/cexll/fixbot/internal/web"
	"github.com/cexll/fixbot/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

var (
	loadDotEnv         = godotenv.Load
	newPlatform        = platform.FromConfig
	defaultListenServe = listenAndServe
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(defaultListenServe).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type serveFunc func(ctx context.Context, addr string, h http.Handler) error

func newRootCmd(serve serveFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "fixbot",
		Short: "fixbot turns issue comments into draft fix pull requests",
		Long: `fixbot listens for GitHub or GitCode webhooks. When an issue event matches a
trigger it opens a draft pull request and walks it through the locate, propose,
fix and verify stages, reporting progress on the issue and the pull request.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serve)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serve)
		},
	})
	root.AddCommand(newRunCmd())
	return root
}

type runOptions struct {
	owner  string
	repo   string
	issue  int
	actor  string
	title  string
	body   string
	branch string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a single issue synchronously without the webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&opts.repo, "repo", "", "repository name")
	cmd.Flags().IntVar(&opts.issue, "issue", 0, "issue number")
	cmd.Flags().StringVar(&opts.actor, "actor", "", "user the job runs on behalf of")
	cmd.Flags().StringVar(&opts.title, "title", "", "issue title (fetched when empty)")
	cmd.Flags().StringVar(&opts.body, "body", "", "issue body (fetched when empty)")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "default branch (fetched when empty)")
	for _, name := range []string{"owner", "repo", "issue", "actor"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// app holds everything both commands share.
type app struct {
	cfg          *config.Config
	store        *jobstore.Store
	orchestrator *orchestrator.Orchestrator
}

func setup(ctx context.Context) (context.Context, *app, error) {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := config.Load(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx = clog.WithLogger(ctx, newLogger(cfg.LogLevel))
	log := clog.FromContext(ctx)

	client, err := newPlatform(cfg)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize platform client: %w", err)
	}

	analysis, err := oracle.FromConfig(cfg.LLM, cfg.OracleTimeout)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize analysis oracle: %w", err)
	}

	git := &workspace.Git{
		AuthorName:   cfg.GitAuthorName,
		AuthorEmail:  cfg.GitAuthorEmail,
		CloneTimeout: cfg.CloneTimeout,
		PushTimeout:  cfg.PushTimeout,
	}

	store := jobstore.NewStore()
	orch := orchestrator.New(orchestrator.Config{
		Platform: client,
		Git:      git,
		Oracle:   analysis,
		Stages:   stages.Pipeline(cfg.LocateOverrideFiles, nil),
		Recorder: store,
	})

	log.Infof("Platform: %s", cfg.Platform)
	log.Infof("LLM provider: %s (model %s)", cfg.LLM.Provider, cfg.LLM.Model)
	if len(cfg.LocateOverrideFiles) > 0 {
		log.Infof("Locate override files: %s", strings.Join(cfg.LocateOverrideFiles, ", "))
	}

	return ctx, &app{cfg: cfg, store: store, orchestrator: orch}, nil
}

func runServe(ctx context.Context, serve serveFunc) error {
	ctx, a, err := setup(ctx)
	if err != nil {
		return err
	}
	cfg := a.cfg
	log := clog.FromContext(ctx)

	classify, err := classifier.New(classifier.Config{
		Platform:      job.Platform(cfg.Platform),
		BotName:       cfg.BotName,
		BotUsername:   cfg.BotUsername,
		Patterns:      cfg.Triggers.Patterns,
		StatusMarkers: cfg.Triggers.StatusMarkers,
		AllowedUsers:  cfg.AllowedUsers,
		AllowedRepos:  cfg.AllowedRepos,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	jobs := dispatcher.New(ctx, a.orchestrator, dispatcher.Config{
		Workers:   cfg.DispatcherWorkers,
		QueueSize: cfg.DispatcherQueueSize,
		Tracker:   a.store,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		jobs.Shutdown(sctx)
	}()

	hooks := gateway.NewHandler(gateway.Options{
		Platform:      job.Platform(cfg.Platform),
		WebhookSecret: cfg.WebhookSecret,
		TestMode:      cfg.TestMode,
		BotName:       cfg.BotName,
	}, classify, jobs, a.store)

	r := mux.NewRouter()
	hooks.RegisterRoutes(r)
	web.NewHandler(a.store).RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Infof("Dispatcher workers: %d, queue size: %d", cfg.DispatcherWorkers, cfg.DispatcherQueueSize)
	if cfg.TestMode {
		log.Warnf("TEST_MODE is enabled, webhook signatures are not verified")
	}
	log.Infof("Server listening on %s", addr)
	log.Infof("Webhook endpoint: http://localhost%s/api/webhook", addr)

	if err := serve(ctx, addr, r); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func runOnce(ctx context.Context, opts runOptions) error {
	ctx, a, err := setup(ctx)
	if err != nil {
		return err
	}

	j := manualJob(job.Platform(a.cfg.Platform), opts)
	a.store.Create(j)
	clog.FromContext(ctx).Infof("Processing %s%s as job %s on branch %s", j.FullName(), j.DisplayRef(), j.ID, j.Branch)

	if err := a.orchestrator.Process(ctx, j); err != nil {
		return err
	}
	if j.PRURL != "" {
		fmt.Println(j.PRURL)
	}
	return nil
}

func manualJob(p job.Platform, opts runOptions) *job.Job {
	created := time.Now().UTC()
	return &job.Job{
		ID:            uuid.NewString(),
		CreatedAt:     created,
		Platform:      p,
		EventType:     "manual",
		Trigger:       job.TriggerManual,
		Actor:         opts.actor,
		Owner:         opts.owner,
		Repo:          opts.repo,
		IssueNumber:   opts.issue,
		IssueTitle:    opts.title,
		IssueBody:     opts.body,
		DefaultBranch: opts.branch,
		Branch:        job.BranchName(opts.issue, created),
	}
}

func newLogger(level string) *clog.Logger {
	return clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// listenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func listenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
