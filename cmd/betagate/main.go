// Package main provides betagate - a beta rollout gate service tracking
// phases, evidence and enforcement processes over an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/umputun/betagate/pkg/config"
	"github.com/umputun/betagate/pkg/enforcer"
	"github.com/umputun/betagate/pkg/evidence"
	"github.com/umputun/betagate/pkg/journal"
	"github.com/umputun/betagate/pkg/notify"
	"github.com/umputun/betagate/pkg/orchestrator"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/report"
	"github.com/umputun/betagate/pkg/store"
	"github.com/umputun/betagate/pkg/web"
)

// opts holds all command-line options.
type opts struct {
	Config   string `long:"config" env:"BETA_CONFIG_DIR" description:"global config directory (default ~/.config/betagate)"`
	BasePath string `short:"b" long:"base-path" description:"rollout data directory, overrides config"`
	Port     int    `short:"p" long:"port" description:"http api port, overrides config"`
	Report   bool   `short:"r" long:"report" description:"print rollout status report and exit"`
	Debug    bool   `short:"d" long:"debug" description:"enable debug logging"`
	NoColor  bool   `long:"no-color" description:"disable color output"`
	Version  bool   `short:"v" long:"version" description:"print version and exit"`
}

var revision = "unknown"

func main() {
	fmt.Printf("betagate %s\n", revision)

	var o opts
	parser := flags.NewParser(&o, flags.Default)

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if o.Version {
		os.Exit(0)
	}

	setupLog(o.Debug)

	// setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// command line overrides merged config
	if o.BasePath != "" {
		cfg.BasePath = o.BasePath
	}
	if o.Port != 0 {
		cfg.Port = o.Port
	}

	st := store.New(cfg.StatePath())
	ev, err := evidence.New(cfg.EvidenceDir(), cfg.RequirementsFile)
	if err != nil {
		return fmt.Errorf("create evidence collector: %w", err)
	}

	if o.Report {
		return printReport(st, ev, o.NoColor)
	}

	jrn, err := journal.New(journal.Config{Path: cfg.JournalPath(), NoColor: o.NoColor})
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	defer jrn.Close()

	notifier, err := makeNotifier(cfg, jrn)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}

	orch, err := orchestrator.New(st, ev, notifier)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	enf := enforcer.New(st, ev, enforcer.StuckAfter(time.Duration(cfg.StuckAfterMin)*time.Minute))

	srv := web.NewServer(web.ServerConfig{Port: cfg.Port, Version: revision}, orch, enf, st, ev)
	orch.OnEvent = func(tr notify.Transition) {
		srv.PublishTransition(tr)
		jrn.Event(phase.Phase(tr.Phase), "%s (%s -> %s)", tr.Event, tr.From, tr.To)
	}
	orch.Holder().OnChange(func(old, cur phase.Phase) {
		jrn.Event(cur, "current phase changed from %s", old)
	})

	// evidence dropped into the phase directories by external tooling is
	// picked up and streamed like API submissions
	watcher := evidence.NewWatcher(ev, func(p phase.Phase, sum evidence.Summary) {
		srv.Publish(web.NewEvidenceEvent(p, fmt.Sprintf("evidence detected, %s at %.0f%%", sum.Status, sum.CompletionPct)))
		jrn.Event(p, "evidence detected, %s at %.0f%%", sum.Status, sum.CompletionPct)
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[WARN] evidence watcher stopped: %v", err)
		}
	}()

	jrn.Logf("[INFO] betagate %s started on port %d, base path %s, mode %s", revision, cfg.Port, cfg.BasePath, cfg.Mode)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	jrn.Logf("[INFO] betagate stopped after %s", jrn.Elapsed())
	return nil
}

// printReport loads the rollout state and prints the status report.
func printReport(st *store.Store, ev *evidence.Collector, noColor bool) error {
	state, err := st.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	md, err := report.Build(state, ev)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	out, err := report.Render(md, noColor)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	fmt.Print(out)
	return nil
}

// makeNotifier creates the stakeholder notification service when any channel
// is configured, nil otherwise.
func makeNotifier(cfg *config.Config, jrn *journal.Logger) (orchestrator.Notifier, error) {
	params := cfg.NotifyParams()
	if len(params.Channels) == 0 && params.CustomScript == "" {
		return nil, nil
	}
	svc, err := notify.New(params, jrn)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
