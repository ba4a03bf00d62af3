package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/stop-bath/darkroom/internal/client"
	"github.com/stop-bath/darkroom/internal/config"
	"github.com/stop-bath/darkroom/internal/darkroom"
	"github.com/stop-bath/darkroom/internal/logutil"
	"github.com/stop-bath/darkroom/internal/paths"
	"github.com/stop-bath/darkroom/internal/store"
	"github.com/stop-bath/darkroom/internal/telemetry"
	"github.com/stop-bath/darkroom/internal/version"

	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runWithIO(os.Args[2:], os.Stdout, os.Stderr))
	case "history":
		os.Exit(historyWithIO(os.Args[2:], os.Stdout, os.Stderr))
	case "doctor":
		os.Exit(doctorWithIO(os.Args[2:], os.Stdout, os.Stderr))
	case "version":
		fmt.Printf("darkroom %s (%s)\n", version.Version, version.Commit)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	_, _ = fmt.Fprintln(os.Stderr, "usage:")
	_, _ = fmt.Fprintln(os.Stderr, "  darkroom run")
	_, _ = fmt.Fprintln(os.Stderr, "  darkroom history [--limit N] [--json] [run-id]")
	_, _ = fmt.Fprintln(os.Stderr, "  darkroom doctor [--json]")
	_, _ = fmt.Fprintln(os.Stderr, "  darkroom version")
}

// loadConfig resolves the effective configuration for the repo rooted at the
// current directory: dotenv file, then config.toml, then environment overlay.
func loadConfig() (config.Config, string, error) {
	root, err := os.Getwd()
	if err != nil {
		return config.Config{}, "", err
	}
	_ = godotenv.Load(paths.EnvPath(root))

	res := config.Load(root)
	if res.ParseError != nil {
		return config.Config{}, root, fmt.Errorf("failed to parse %s: %w", res.Path, res.ParseError)
	}
	return config.ApplyEnv(res.Config), root, nil
}

func runWithIO(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.SetOutput(errOut)
	_ = fs.Parse(args)
	if fs.NArg() != 0 {
		fs.Usage()
		return 2
	}

	cfg, root, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}

	prompt, err := darkroom.LoadPrompt(filepath.Join(root, cfg.Run.PromptFile))
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}

	log := logutil.NewLogger(errOut, logutil.ParseLevel(cfg.Run.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, terr := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "darkroom",
			ServiceVersion: version.Version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if terr != nil {
			log.Warn("telemetry init failed", "error", terr)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if serr := shutdown(flushCtx); serr != nil {
					log.Warn("telemetry shutdown failed", "error", serr)
				}
			}()
		}
	}

	// the journal is diagnostics; a broken database must not block generation
	journal := openJournal(root, log)

	orc := darkroom.New(darkroom.Config{
		Prompt:            prompt,
		TargetImages:      cfg.Run.TargetImages,
		OutputDir:         filepath.Join(root, cfg.Run.OutputDir),
		MaxRetries:        cfg.Retry.MaxRetries,
		RetryDelay:        time.Duration(cfg.Retry.RetryDelaySeconds) * time.Second,
		RateLimitCooldown: time.Duration(cfg.Retry.RateLimitCooldownSeconds) * time.Second,
		ImageDelay:        time.Duration(cfg.Retry.ImageDelaySeconds) * time.Second,
		MaxTotalAttempts:  cfg.Run.MaxTotalAttempts,
	}, client.New(cfg.API.Endpoint, cfg.API.Key), journal, nil, log)

	sum, runErr := orc.Run(ctx)

	b, err := json.Marshal(sum)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}
	_, _ = fmt.Fprintln(out, string(b))

	if runErr != nil {
		_, _ = fmt.Fprintln(errOut, runErr.Error())
		return 1
	}
	if !sum.Completed {
		return 1
	}
	return 0
}

// openJournal opens (creating if necessary) the run journal. Returns nil when
// the journal cannot be prepared so the run proceeds without history.
func openJournal(root string, log *slog.Logger) darkroom.Journal {
	if err := os.MkdirAll(paths.DotDir(root), 0o755); err != nil {
		log.Warn("journal unavailable", "error", err)
		return nil
	}
	db, err := sql.Open("sqlite", paths.JournalPath(root))
	if err != nil {
		log.Warn("journal unavailable", "error", err)
		return nil
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		log.Warn("journal unavailable", "error", err)
		return nil
	}
	st := store.New(db)
	if err := st.Init(); err != nil {
		_ = db.Close()
		log.Warn("journal unavailable", "error", err)
		return nil
	}
	return st
}

func historyWithIO(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	fs.SetOutput(errOut)
	limit := fs.Int("limit", 20, "max rows to show")
	asJSON := fs.Bool("json", false, "print raw JSON")
	_ = fs.Parse(args)
	if fs.NArg() > 1 {
		fs.Usage()
		return 2
	}

	root, err := os.Getwd()
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}
	dbPath := paths.JournalPath(root)
	if _, err := os.Stat(dbPath); err != nil {
		_, _ = fmt.Fprintln(errOut, "no journal found; run darkroom first")
		return 1
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Init(); err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}

	if fs.NArg() == 1 {
		return historyRun(st, fs.Arg(0), *limit, *asJSON, out, errOut)
	}
	return historyRuns(st, *limit, *asJSON, out, errOut)
}

func historyRuns(st *store.Store, limit int, asJSON bool, out, errOut io.Writer) int {
	runs, err := st.ListRuns(limit)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}

	if asJSON {
		if err := json.NewEncoder(out).Encode(runs); err != nil {
			_, _ = fmt.Fprintln(errOut, err.Error())
			return 1
		}
		return 0
	}

	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "no runs recorded")
		return 0
	}
	for _, r := range runs {
		_, _ = fmt.Fprintf(out, "%s  %-9s  %d/%d images  %d attempts  %s\n",
			r.RunID, r.Status, r.Successful, r.Target, r.TotalAttempts, r.CreatedAt)
	}
	return 0
}

func historyRun(st *store.Store, runID string, limit int, asJSON bool, out, errOut io.Writer) int {
	run, err := st.GetRun(runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, _ = fmt.Fprintf(errOut, "run not found: %s\n", runID)
			return 1
		}
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}
	attempts, err := st.ListAttempts(runID, limit)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}

	if asJSON {
		payload := struct {
			Run      *store.Run       `json:"run"`
			Attempts []*store.Attempt `json:"attempts"`
		}{run, attempts}
		if err := json.NewEncoder(out).Encode(&payload); err != nil {
			_, _ = fmt.Fprintln(errOut, err.Error())
			return 1
		}
		return 0
	}

	_, _ = fmt.Fprintf(out, "run %s  %s  %d/%d images  %d attempts\n",
		run.RunID, run.Status, run.Successful, run.Target, run.TotalAttempts)
	for _, a := range attempts {
		line := fmt.Sprintf("  slot %d retry %d  %-12s  %s", a.Slot, a.Retry, a.Outcome, a.FinishedAt)
		if a.ErrorSummary != "" {
			line += "  " + a.ErrorSummary
		}
		_, _ = fmt.Fprintln(out, line)
	}
	return 0
}

func doctorWithIO(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	fs.SetOutput(errOut)
	asJSON := fs.Bool("json", false, "print a JSON report")
	_ = fs.Parse(args)

	report := map[string]any{
		"config":     false,
		"endpoint":   false,
		"api_key":    false,
		"prompt":     false,
		"output_dir": false,
	}
	var problems []string
	problem := func(format string, a ...any) {
		problems = append(problems, fmt.Sprintf(format, a...))
	}

	cfg, root, err := loadConfig()
	if err != nil {
		problem("%s", err.Error())
		// keep checking the rest against defaults plus environment
		cfg = config.ApplyEnv(config.Default())
	} else {
		report["config"] = true
	}

	if cfg.API.Endpoint == "" {
		problem("api endpoint not set ([api].endpoint or %s)", config.EnvEndpoint)
	} else if u, perr := url.Parse(cfg.API.Endpoint); perr != nil || u.Scheme == "" || u.Host == "" {
		problem("api endpoint %q is not an absolute URL", cfg.API.Endpoint)
	} else {
		report["endpoint"] = true
	}

	if cfg.API.Key == "" {
		problem("%s not set", config.EnvAPIKey)
	} else {
		report["api_key"] = true
	}

	if _, lerr := darkroom.LoadPrompt(filepath.Join(root, cfg.Run.PromptFile)); lerr != nil {
		problem("prompt: %s", lerr.Error())
	} else {
		report["prompt"] = true
	}

	if werr := checkWritable(filepath.Join(root, cfg.Run.OutputDir)); werr != nil {
		problem("output dir: %s", werr.Error())
	} else {
		report["output_dir"] = true
	}

	report["problems"] = problems

	if *asJSON {
		if err := json.NewEncoder(out).Encode(report); err != nil {
			_, _ = fmt.Fprintln(errOut, err.Error())
			return 1
		}
	} else {
		for _, key := range []string{"config", "endpoint", "api_key", "prompt", "output_dir"} {
			state := "ok"
			if report[key] != true {
				state = "MISSING"
			}
			_, _ = fmt.Fprintf(out, "%-10s %s\n", key, state)
		}
		for _, p := range problems {
			_, _ = fmt.Fprintf(out, "problem: %s\n", p)
		}
	}

	if len(problems) > 0 {
		return 1
	}
	return 0
}

// checkWritable ensures dir exists and accepts writes by probing with a
// temp file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
