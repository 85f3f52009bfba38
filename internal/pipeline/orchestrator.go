// Package pipeline runs one generation end to end: detect the breed, prepare
// the canvas and mask, run two dependent edits and one independent
// generation, and record the outcome on the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shaggydog/internal/config"
	"shaggydog/internal/imageproc"
	"shaggydog/internal/logger"
	"shaggydog/internal/models"
	"shaggydog/internal/prompts"
	"shaggydog/internal/synthesis"
	"shaggydog/internal/telemetry"
)

// Task is the unit handed from the request side to a worker. JobID is the
// correlation key everywhere.
type Task struct {
	JobID      string `json:"job_id"`
	OwnerToken string `json:"owner_token"`
}

// JobStore is the persistence the orchestrator writes through. Each job has
// exactly one writer (its worker), so no locking is needed here.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetAsset(ctx context.Context, jobID string, kind models.AssetKind) (models.Asset, error)
	SetBreed(ctx context.Context, id, breed string) error
	AddAsset(ctx context.Context, jobID string, kind models.AssetKind, mimeType string, data []byte) (models.Asset, error)
	UpdateJobStatus(ctx context.Context, id string, status string, errorMessage *string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Synthesizer is the remote image capability.
type Synthesizer interface {
	DetectBreed(ctx context.Context, image []byte) (synthesis.Detection, error)
	EditImage(ctx context.Context, image, mask []byte, prompt, model string) ([]byte, error)
	GenerateImage(ctx context.Context, prompt, model string) ([]byte, error)
}

// AssetMirror receives a copy of every derived asset.
type AssetMirror interface {
	Put(ctx context.Context, jobID string, kind models.AssetKind, mimeType string, data []byte) (string, error)
}

// Orchestrator runs generation tasks against a store and a Synthesizer.
type Orchestrator struct {
	cfg    config.PipelineConfig
	store  JobStore
	synth  Synthesizer
	mirror AssetMirror
	log    *logger.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMirror copies derived assets to m after they are stored.
func WithMirror(m AssetMirror) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

// New builds an orchestrator. A nil log discards output.
func New(cfg config.PipelineConfig, st JobStore, synth Synthesizer, log *logger.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	o := &Orchestrator{cfg: cfg, store: st, synth: synth, log: log}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

const (
	canvasFile = "canvas.png"
	maskFile   = "mask.png"
	edit1File  = "edit1.png"
)

// Run executes task to a terminal state. It never panics and never returns
// with the job still processing, except when the task is rejected up front
// (ErrNotRunnable), in which case the job is not touched.
func (o *Orchestrator) Run(ctx context.Context, task Task) {
	log := o.log.With("job_id", task.JobID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panicked", "panic", r)
			o.finish(ctx, log, task.JobID, &StageError{Stage: "panic", Err: fmt.Errorf("internal error: %v", r)})
		}
	}()

	err := o.execute(ctx, log, task)
	if errors.Is(err, ErrNotRunnable) {
		log.Warn("task rejected", "error", err)
		return
	}
	o.finish(ctx, log, task.JobID, err)
	log.Info("pipeline finished", "elapsed", time.Since(start).String(), "ok", err == nil)
}

// finish applies the terminal transition.
func (o *Orchestrator) finish(ctx context.Context, log *logger.Logger, jobID string, err error) {
	if err == nil {
		if uerr := o.store.UpdateJobStatus(ctx, jobID, models.StatusDone, nil); uerr != nil {
			log.Error("mark done", "error", uerr)
			return
		}
		_ = o.store.AppendAudit(ctx, jobID, "done", "all stages completed")
		telemetry.JobsDone.Inc()
		return
	}

	msg := err.Error()
	stage := Stage("unknown")
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	log.Warn("pipeline failed", "stage", stage, "remote", synthesis.IsSynthesisError(err), "error", msg)
	if uerr := o.store.UpdateJobStatus(ctx, jobID, models.StatusError, &msg); uerr != nil {
		log.Error("mark error", "error", uerr)
		return
	}
	_ = o.store.AppendAudit(ctx, jobID, "error", fmt.Sprintf("stage=%s error=%s", stage, msg))
	telemetry.JobsFailed.Inc()
}

// execute runs the stages in order and returns the first fatal failure as
// a *StageError. Stages after a failure, including the independent
// generate stage, do not run.
func (o *Orchestrator) execute(ctx context.Context, log *logger.Logger, task Task) error {
	original, err := o.load(ctx, task)
	if err != nil {
		return err
	}

	det := runStage(StageDetect, func() (synthesis.Detection, error) {
		return o.synth.DetectBreed(ctx, original.Data)
	})
	if !det.OK() {
		return &StageError{Stage: det.Stage, Err: det.Err}
	}
	breed := det.Value.Breed
	if det.Value.Fallback {
		telemetry.BreedFallbacks.Inc()
		log.Warn("breed detection unparseable, using default", "breed", breed)
	}
	if err := o.store.SetBreed(ctx, task.JobID, breed); err != nil {
		return &StageError{Stage: StageDetect, Err: fmt.Errorf("persist breed: %w", err)}
	}
	_ = o.store.AppendAudit(ctx, task.JobID, "breed_detected", fmt.Sprintf("breed=%s confidence=%.2f", breed, det.Value.Confidence))
	log.Info("breed detected", "breed", breed, "confidence", det.Value.Confidence, "elapsed", det.Duration.String())

	scr, err := newScratch(o.cfg.ScratchDir, task.JobID)
	if err != nil {
		return &StageError{Stage: StagePrepare, Err: err}
	}
	defer func() {
		if cerr := scr.Close(); cerr != nil {
			telemetry.CleanupFailures.Inc()
			log.Warn("scratch cleanup failed", "error", cerr)
		}
	}()

	prep := runStage(StagePrepare, func() (struct{}, error) {
		return struct{}{}, o.prepare(scr, original.Data)
	})
	if !prep.OK() {
		return &StageError{Stage: prep.Stage, Err: prep.Err}
	}
	p := prompts.Build(breed)

	edit1 := runStage(StageEdit1, func() ([]byte, error) {
		canvas, mask, err := o.canvasAndMask(scr)
		if err != nil {
			return nil, err
		}
		return o.synth.EditImage(ctx, canvas, mask, p.Edit1, o.cfg.ImageModel)
	})
	if err := o.persist(ctx, log, task.JobID, models.KindEdit1, edit1); err != nil {
		return err
	}
	if err := scr.put(edit1File, edit1.Value); err != nil {
		return &StageError{Stage: StageEdit1, Err: err}
	}

	edit2 := runStage(StageEdit2, func() ([]byte, error) {
		input, err := scr.get(edit1File)
		if err != nil {
			return nil, err
		}
		mask, err := o.maskFor(scr, input)
		if err != nil {
			return nil, err
		}
		return o.synth.EditImage(ctx, input, mask, p.Edit2, o.cfg.ImageModel)
	})
	if err := o.persist(ctx, log, task.JobID, models.KindEdit2, edit2); err != nil {
		return err
	}

	gen := runStage(StageGenerate, func() ([]byte, error) {
		return o.synth.GenerateImage(ctx, p.Generate, o.cfg.ImageModel)
	})
	return o.persist(ctx, log, task.JobID, models.KindGenerated, gen)
}

// load checks the task against the job and returns the original upload.
func (o *Orchestrator) load(ctx context.Context, task Task) (models.Asset, error) {
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return models.Asset{}, fmt.Errorf("%w: %v", ErrNotRunnable, err)
	}
	if job.OwnerToken != task.OwnerToken {
		return models.Asset{}, fmt.Errorf("%w: owner mismatch", ErrNotRunnable)
	}
	if job.Status != models.StatusProcessing {
		return models.Asset{}, fmt.Errorf("%w: status %s", ErrNotRunnable, job.Status)
	}
	original, err := o.store.GetAsset(ctx, task.JobID, models.KindOriginal)
	if err != nil {
		return models.Asset{}, fmt.Errorf("%w: original asset: %v", ErrNotRunnable, err)
	}
	return original, nil
}

func (o *Orchestrator) prepare(scr *scratch, original []byte) error {
	canvas, err := imageproc.Normalize(original)
	if err != nil {
		return err
	}
	mask, err := imageproc.BuildMask(canvas)
	if err != nil {
		return err
	}
	if err := scr.put(canvasFile, canvas); err != nil {
		return err
	}
	return scr.put(maskFile, mask)
}

func (o *Orchestrator) canvasAndMask(scr *scratch) ([]byte, []byte, error) {
	canvas, err := scr.get(canvasFile)
	if err != nil {
		return nil, nil, err
	}
	mask, err := scr.get(maskFile)
	if err != nil {
		return nil, nil, err
	}
	return canvas, mask, nil
}

// maskFor reuses the canvas mask when img has the canvas dimensions and
// renders a matching one when the model returned a different size.
// Undecodable input keeps the canvas mask and lets the API judge.
func (o *Orchestrator) maskFor(scr *scratch, img []byte) ([]byte, error) {
	mask, err := scr.get(maskFile)
	if err != nil {
		return nil, err
	}
	got, err := imageproc.Inspect(img)
	if err != nil {
		return mask, nil
	}
	want, err := imageproc.Inspect(mask)
	if err != nil || (got.Width == want.Width && got.Height == want.Height) {
		return mask, nil
	}
	return imageproc.BuildMask(img)
}

// persist stores a successful stage output, or converts a failed result
// into the job-ending *StageError.
func (o *Orchestrator) persist(ctx context.Context, log *logger.Logger, jobID string, kind models.AssetKind, res StageResult[[]byte]) error {
	if !res.OK() {
		return &StageError{Stage: res.Stage, Err: res.Err}
	}
	if len(res.Value) == 0 {
		return &StageError{Stage: res.Stage, Err: &synthesis.Error{Op: string(res.Stage), Message: "empty image"}}
	}
	mime := sniffImageMime(res.Value)
	if _, err := o.store.AddAsset(ctx, jobID, kind, mime, res.Value); err != nil {
		return &StageError{Stage: res.Stage, Err: fmt.Errorf("persist %s: %w", kind, err)}
	}
	_ = o.store.AppendAudit(ctx, jobID, "stage_completed", string(res.Stage))
	log.Info("stage completed", "stage", res.Stage, "bytes", len(res.Value), "elapsed", res.Duration.String())

	if o.mirror != nil {
		if where, err := o.mirror.Put(ctx, jobID, kind, mime, res.Value); err != nil {
			telemetry.MirrorFailures.Inc()
			log.Warn("asset mirror failed", "kind", kind, "error", err)
		} else {
			log.Debug("asset mirrored", "kind", kind, "location", where)
		}
	}
	return nil
}

func sniffImageMime(data []byte) string {
	if mt := http.DetectContentType(data); strings.HasPrefix(mt, "image/") {
		return mt
	}
	return "image/png"
}
