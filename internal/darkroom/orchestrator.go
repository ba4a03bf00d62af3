package darkroom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stop-bath/darkroom/internal/client"
	"github.com/stop-bath/darkroom/internal/paths"
	"github.com/stop-bath/darkroom/internal/store"
)

// Config carries the resolved run parameters. Delays are fixed pauses, not
// backoff bases: the retry policy is deliberately flat.
type Config struct {
	Prompt            string
	TargetImages      int
	OutputDir         string
	MaxRetries        int
	RetryDelay        time.Duration
	RateLimitCooldown time.Duration
	ImageDelay        time.Duration
	// MaxTotalAttempts stops the run once this many slots were started
	// without reaching the target. 0 means unlimited.
	MaxTotalAttempts int
}

// Generator is the one call the orchestrator needs from the API client.
// Implementations must return a non-nil Result even on error so the raw
// body (possibly empty) can be persisted.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*client.Result, error)
}

// Journal receives write-only run history. All methods are diagnostics:
// failures are logged and never interrupt generation.
type Journal interface {
	CreateRun(runID, prompt string, target int, outputDir string) error
	RecordAttempt(runID string, slot, retry int, outcome, responsePath, imagePath, errorSummary string, startedAt, finishedAt time.Time) (int64, error)
	UpdateRunProgress(runID string, successful, totalAttempts int) error
	FinishRun(runID, status string, successful, totalAttempts int) error
}

// Orchestrator drives the batch generation loop: one slot at a time, one
// outstanding request at a time, retrying each slot up to the cap before
// abandoning it and moving on.
type Orchestrator struct {
	cfg     Config
	gen     Generator
	journal Journal
	sleeper Sleeper
	log     *slog.Logger
	tracer  trace.Tracer

	runID string
	state State
}

// New builds an Orchestrator. journal may be nil to disable journaling;
// sleeper may be nil for real clock sleeps; log may be nil to discard logs.
func New(cfg Config, gen Generator, journal Journal, sleeper Sleeper, log *slog.Logger) *Orchestrator {
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		cfg:     cfg,
		gen:     gen,
		journal: journal,
		sleeper: sleeper,
		log:     log,
		tracer:  otel.Tracer("darkroom"),
	}
}

// Run executes the outer loop until the target is met, the attempt budget
// runs out, or ctx is cancelled. The returned Summary always reflects the
// progress made; the error is non-nil only when the run was cancelled.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	o.runID = uuid.NewString()

	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return Summary{RunID: o.runID}, fmt.Errorf("create output dir: %w", err)
	}

	if o.journal != nil {
		if err := o.journal.CreateRun(o.runID, o.cfg.Prompt, o.cfg.TargetImages, o.cfg.OutputDir); err != nil {
			o.log.WarnContext(ctx, "journal create run failed", "error", err)
		}
	}

	o.log.InfoContext(ctx, "run started",
		"run_id", o.runID,
		"target", o.cfg.TargetImages,
		"output_dir", o.cfg.OutputDir,
		"max_retries", o.cfg.MaxRetries,
	)

	var runErr error
	for o.state.Successful < o.cfg.TargetImages {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if o.cfg.MaxTotalAttempts > 0 && o.state.TotalAttempts >= o.cfg.MaxTotalAttempts {
			o.log.ErrorContext(ctx, "attempt budget exhausted",
				"max_total_attempts", o.cfg.MaxTotalAttempts,
				"successful", o.state.Successful,
				"target", o.cfg.TargetImages,
			)
			break
		}

		o.state.TotalAttempts++
		slot := o.state.TotalAttempts

		ok, err := o.runSlot(ctx, slot)
		if ok {
			o.state.Successful++
		}

		// progress line after every slot, success or not
		o.log.InfoContext(ctx, "progress",
			"successful", o.state.Successful,
			"target", o.cfg.TargetImages,
			"total_attempts", o.state.TotalAttempts,
		)
		if o.journal != nil {
			if jerr := o.journal.UpdateRunProgress(o.runID, o.state.Successful, o.state.TotalAttempts); jerr != nil {
				o.log.WarnContext(ctx, "journal progress failed", "error", jerr)
			}
		}

		if err != nil {
			runErr = err
			break
		}

		if ok && o.state.Successful < o.cfg.TargetImages {
			if serr := o.sleeper.Sleep(ctx, o.cfg.ImageDelay); serr != nil {
				runErr = serr
				break
			}
		}
	}

	completed := o.state.Successful >= o.cfg.TargetImages
	status := store.StatusCompleted
	if !completed {
		status = store.StatusAborted
	}
	if o.journal != nil {
		if err := o.journal.FinishRun(o.runID, status, o.state.Successful, o.state.TotalAttempts); err != nil {
			o.log.WarnContext(ctx, "journal finish run failed", "error", err)
		}
	}

	o.log.InfoContext(ctx, "run finished",
		"run_id", o.runID,
		"status", status,
		"successful", o.state.Successful,
		"total_attempts", o.state.TotalAttempts,
	)

	return Summary{
		RunID:         o.runID,
		Successful:    o.state.Successful,
		TotalAttempts: o.state.TotalAttempts,
		Completed:     completed,
	}, runErr
}

// runSlot drives one slot to Success or Exhausted. Exhaustion is not an
// error: the slot is abandoned and the run moves on. The returned error is
// non-nil only for cancellation.
func (o *Orchestrator) runSlot(ctx context.Context, slot int) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "darkroom.slot",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("run.id", o.runID),
			attribute.Int("slot", slot),
		),
	)
	defer span.End()
	span.AddEvent("slot.started")

	o.state.RetryCount = 0
	for {
		outcome, detail := o.requestImage(ctx, slot)
		if outcome == OutcomeSuccess {
			span.AddEvent("slot.completed")
			span.SetStatus(codes.Ok, "")
			return true, nil
		}

		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.AddEvent("slot.cancelled")
			return false, err
		}

		o.state.RetryCount++
		o.log.WarnContext(ctx, "attempt failed",
			"slot", slot,
			"outcome", outcome.String(),
			"retry", o.state.RetryCount,
			"max_retries", o.cfg.MaxRetries,
			"error", detail,
		)

		if o.state.RetryCount >= o.cfg.MaxRetries {
			span.AddEvent("slot.exhausted")
			span.SetStatus(codes.Error, "retries exhausted")
			o.log.WarnContext(ctx, "slot exhausted, moving on", "slot", slot, "retries", o.state.RetryCount)
			return false, nil
		}

		if outcome == OutcomeRateLimited {
			o.log.InfoContext(ctx, "rate limited, cooling down", "slot", slot, "cooldown", o.cfg.RateLimitCooldown)
			if err := o.sleeper.Sleep(ctx, o.cfg.RateLimitCooldown); err != nil {
				span.AddEvent("slot.cancelled")
				span.SetStatus(codes.Error, err.Error())
				return false, err
			}
		}
		if err := o.sleeper.Sleep(ctx, o.cfg.RetryDelay); err != nil {
			span.AddEvent("slot.cancelled")
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}
	}
}

// requestImage performs one attempt: call the API, persist the raw body
// unconditionally, then classify. The image file is written only past a
// successful decode and verified non-empty afterwards.
func (o *Orchestrator) requestImage(ctx context.Context, slot int) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "darkroom.attempt",
		trace.WithAttributes(
			attribute.Int("slot", slot),
			attribute.Int("retry", o.state.RetryCount),
		),
	)
	defer span.End()
	span.AddEvent("attempt.started")

	started := time.Now()
	res, genErr := o.gen.Generate(ctx, o.cfg.Prompt)
	stamp := time.Now()

	respPath := paths.ResponseFile(o.cfg.OutputDir, slot, stamp)
	if err := os.WriteFile(respPath, res.Body, 0o644); err != nil {
		o.log.WarnContext(ctx, "persist response failed", "path", respPath, "error", err)
	}

	var outcome Outcome
	var detail error
	imagePath := ""
	switch {
	case genErr == nil:
		imagePath = paths.ImageFile(o.cfg.OutputDir, slot, stamp)
		outcome, detail = writeImage(imagePath, res.Image)
		if outcome != OutcomeSuccess {
			imagePath = ""
		}
	case errors.Is(genErr, client.ErrRateLimited):
		outcome, detail = OutcomeRateLimited, genErr
	case errors.Is(genErr, client.ErrBadPayload):
		outcome, detail = OutcomeDecodeError, genErr
	default:
		outcome, detail = OutcomeAPIError, genErr
	}

	if o.journal != nil {
		summary := ""
		if detail != nil {
			summary = detail.Error()
		}
		if _, err := o.journal.RecordAttempt(o.runID, slot, o.state.RetryCount, outcome.String(), respPath, imagePath, summary, started, time.Now()); err != nil {
			o.log.WarnContext(ctx, "journal attempt failed", "error", err)
		}
	}

	span.SetAttributes(attribute.String("outcome", outcome.String()))
	if outcome == OutcomeSuccess {
		span.AddEvent("attempt.completed")
		span.SetStatus(codes.Ok, "")
		o.log.InfoContext(ctx, "image generated", "slot", slot, "image", imagePath)
	} else {
		if detail != nil {
			span.RecordError(detail)
		}
		span.SetStatus(codes.Error, outcome.String())
		span.AddEvent("attempt.failed")
	}
	return outcome, detail
}

// writeImage persists img and stats the file afterwards: a missing or
// zero-byte result downgrades the attempt to OutcomeEmptyImage.
func writeImage(path string, img []byte) (Outcome, error) {
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return OutcomeEmptyImage, fmt.Errorf("write image: %w", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return OutcomeEmptyImage, fmt.Errorf("stat image: %w", err)
	}
	if fi.Size() == 0 {
		return OutcomeEmptyImage, errors.New("image file is empty")
	}
	return OutcomeSuccess, nil
}
