package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shaggydog/internal/config"
	"shaggydog/internal/imageproc"
	"shaggydog/internal/models"
	"shaggydog/internal/store"
	"shaggydog/internal/synthesis"
	"shaggydog/internal/telemetry"
)

func pngOf(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type editCall struct {
	image, mask []byte
	prompt      string
	model       string
}

type fakeSynth struct {
	mu sync.Mutex

	calls []string
	edits []editCall

	detection synthesis.Detection
	detectErr error
	editOut   [][]byte
	editErr   []error
	genOut    []byte
	genErr    error
	panicOn   string
	// beforeEdit runs at the start of the i-th edit call.
	beforeEdit func(i int)
}

func (f *fakeSynth) record(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.panicOn == name {
		panic("boom")
	}
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n - 1
}

func (f *fakeSynth) DetectBreed(_ context.Context, _ []byte) (synthesis.Detection, error) {
	f.record("detect")
	return f.detection, f.detectErr
}

func (f *fakeSynth) EditImage(_ context.Context, img, mask []byte, prompt, model string) ([]byte, error) {
	i := f.record("edit")
	if f.beforeEdit != nil {
		f.beforeEdit(i)
	}
	f.mu.Lock()
	f.edits = append(f.edits, editCall{image: img, mask: mask, prompt: prompt, model: model})
	f.mu.Unlock()
	if i < len(f.editErr) && f.editErr[i] != nil {
		return nil, f.editErr[i]
	}
	return f.editOut[i], nil
}

func (f *fakeSynth) GenerateImage(_ context.Context, _ string, _ string) ([]byte, error) {
	f.record("generate")
	return f.genOut, f.genErr
}

type fakeMirror struct {
	mu   sync.Mutex
	keys []models.AssetKind
	err  error
}

func (m *fakeMirror) Put(_ context.Context, _ string, kind models.AssetKind, _ string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, kind)
	return "mem://" + string(kind), m.err
}

type fixture struct {
	st      *store.Memory
	synth   *fakeSynth
	orch    *Orchestrator
	task    Task
	scratch string
}

func newFixture(t *testing.T, synth *fakeSynth, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	job, err := st.CreateJob(ctx, "owner-1")
	require.NoError(t, err)
	_, err = st.AddAsset(ctx, job.ID, models.KindOriginal, "image/png", pngOf(t, 1200, 800, color.NRGBA{R: 200, G: 120, B: 80, A: 255}))
	require.NoError(t, err)

	root := t.TempDir()
	cfg := config.PipelineConfig{ImageModel: "test-image-model", ScratchDir: root}
	return fixture{
		st:      st,
		synth:   synth,
		orch:    New(cfg, st, synth, nil, opts...),
		task:    Task{JobID: job.ID, OwnerToken: "owner-1"},
		scratch: root,
	}
}

func (f fixture) job(t *testing.T) models.Job {
	t.Helper()
	job, err := f.st.GetJob(context.Background(), f.task.JobID)
	require.NoError(t, err)
	return job
}

func (f fixture) kinds(t *testing.T) []models.AssetKind {
	t.Helper()
	assets, err := f.st.ListAssets(context.Background(), f.task.JobID)
	require.NoError(t, err)
	out := make([]models.AssetKind, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.Kind)
	}
	return out
}

func (f fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directories must be removed")
}

func canvasPNG(t *testing.T) []byte { return pngOf(t, 1024, 1024, color.White) }

func TestRun_HappyPath(t *testing.T) {
	edit1 := canvasPNG(t)
	edit2 := pngOf(t, 1024, 1024, color.Black)
	gen := pngOf(t, 1024, 1024, color.Gray{Y: 128})
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Beagle", Confidence: 0.82},
		editOut:   [][]byte{edit1, edit2},
		genOut:    gen,
	}
	mir := &fakeMirror{}
	f := newFixture(t, synth, WithMirror(mir))

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusDone, job.Status)
	require.NotNil(t, job.Breed)
	assert.Equal(t, "Beagle", *job.Breed)
	assert.Nil(t, job.ErrorMessage)

	assert.Equal(t, []string{"detect", "edit", "edit", "generate"}, synth.calls)
	assert.ElementsMatch(t, []models.AssetKind{models.KindOriginal, models.KindEdit1, models.KindEdit2, models.KindGenerated}, f.kinds(t))
	assert.Equal(t, models.DerivedKinds, mir.keys)

	require.Len(t, synth.edits, 2)
	assert.Contains(t, synth.edits[0].prompt, "Subtle (30%) Beagle traits")
	assert.Contains(t, synth.edits[1].prompt, "Stronger (70%) Beagle traits")
	assert.Equal(t, "test-image-model", synth.edits[0].model)
	assert.Equal(t, edit1, synth.edits[1].image, "edit2 must consume edit1 output")

	info, err := imageproc.Inspect(synth.edits[0].image)
	require.NoError(t, err)
	assert.Equal(t, imageproc.CanvasSize, info.Width)
	assert.Equal(t, imageproc.CanvasSize, info.Height)
	assert.Equal(t, synth.edits[0].mask, synth.edits[1].mask, "same-size edit reuses the canvas mask")

	stored, err := f.st.GetAsset(context.Background(), f.task.JobID, models.KindGenerated)
	require.NoError(t, err)
	assert.Equal(t, gen, stored.Data)
	assert.Equal(t, "image/png", stored.MimeType)

	f.assertScratchEmpty(t)
}

func TestRun_DetectTransportErrorEndsJob(t *testing.T) {
	synth := &fakeSynth{detectErr: &synthesis.Error{Op: "detect", Message: "connection refused"}}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusError, job.Status)
	assert.Nil(t, job.Breed)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "connection refused")
	assert.Equal(t, []models.AssetKind{models.KindOriginal}, f.kinds(t))
	assert.Equal(t, []string{"detect"}, synth.calls)
	f.assertScratchEmpty(t)
}

func TestRun_MissingCredentialEndsJob(t *testing.T) {
	synth := &fakeSynth{detectErr: synthesis.ErrConfiguration}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, synthesis.ErrConfiguration.Error(), *job.ErrorMessage)
}

func TestRun_UnparseableDetectionUsesDefaultBreed(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.FallbackDetection(),
		editOut:   [][]byte{canvasPNG(t), canvasPNG(t)},
		genOut:    canvasPNG(t),
	}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusDone, job.Status)
	require.NotNil(t, job.Breed)
	assert.Equal(t, synthesis.DefaultBreed, *job.Breed)
	assert.Contains(t, synth.edits[0].prompt, synthesis.DefaultBreed)
}

func TestRun_SecondEditFailureStopsBeforeGenerate(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Poodle", Confidence: 0.8},
		editOut:   [][]byte{canvasPNG(t), nil},
		editErr:   []error{nil, &synthesis.Error{Op: "edit", StatusCode: 400, Message: "mask rejected"}},
		genOut:    canvasPNG(t),
	}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "mask rejected")
	assert.ElementsMatch(t, []models.AssetKind{models.KindOriginal, models.KindEdit1}, f.kinds(t))
	assert.NotContains(t, synth.calls, "generate")
	f.assertScratchEmpty(t)
}

func TestRun_GenerateFailureKeepsEdits(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Husky", Confidence: 0.7},
		editOut:   [][]byte{canvasPNG(t), canvasPNG(t)},
		genErr:    errors.New("synthesis generate: no image data"),
	}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusError, job.Status)
	assert.Equal(t, "synthesis generate: no image data", *job.ErrorMessage)
	assert.ElementsMatch(t, []models.AssetKind{models.KindOriginal, models.KindEdit1, models.KindEdit2}, f.kinds(t))
}

func TestRun_EmptyEditOutputFails(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Pug", Confidence: 0.9},
		editOut:   [][]byte{{}},
	}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusError, job.Status)
	assert.Equal(t, []models.AssetKind{models.KindOriginal}, f.kinds(t))
}

func TestRun_RebuildsMaskForResizedEdit(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Corgi", Confidence: 0.6},
		editOut:   [][]byte{pngOf(t, 512, 512, color.White), canvasPNG(t)},
		genOut:    canvasPNG(t),
	}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	require.Len(t, synth.edits, 2)
	info, err := imageproc.Inspect(synth.edits[1].mask)
	require.NoError(t, err)
	assert.Equal(t, 512, info.Width)
	assert.Equal(t, 512, info.Height)
	assert.Equal(t, models.StatusDone, f.job(t).Status)
}

func TestRun_OwnerMismatchLeavesJobUntouched(t *testing.T) {
	synth := &fakeSynth{}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), Task{JobID: f.task.JobID, OwnerToken: "someone-else"})

	job := f.job(t)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Nil(t, job.ErrorMessage)
	assert.Empty(t, synth.calls)
}

func TestRun_TerminalJobIsNotRerun(t *testing.T) {
	synth := &fakeSynth{}
	f := newFixture(t, synth)
	msg := "earlier failure"
	require.NoError(t, f.st.UpdateJobStatus(context.Background(), f.task.JobID, models.StatusError, &msg))

	f.orch.Run(context.Background(), f.task)

	assert.Empty(t, synth.calls)
	assert.Equal(t, "earlier failure", *f.job(t).ErrorMessage)
}

func TestRun_UnknownJobIsIgnored(t *testing.T) {
	synth := &fakeSynth{}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), Task{JobID: "missing", OwnerToken: "owner-1"})

	assert.Empty(t, synth.calls)
}

func TestRun_PanicBecomesError(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Boxer", Confidence: 0.9},
		panicOn:   "edit",
	}
	f := newFixture(t, synth)

	assert.NotPanics(t, func() { f.orch.Run(context.Background(), f.task) })

	job := f.job(t)
	assert.Equal(t, models.StatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.True(t, strings.HasPrefix(*job.ErrorMessage, "internal error"))
	f.assertScratchEmpty(t)
}

func TestRun_MirrorFailureIsNotFatal(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Dalmatian", Confidence: 0.95},
		editOut:   [][]byte{canvasPNG(t), canvasPNG(t)},
		genOut:    canvasPNG(t),
	}
	f := newFixture(t, synth, WithMirror(&fakeMirror{err: errors.New("bucket gone")}))

	f.orch.Run(context.Background(), f.task)

	assert.Equal(t, models.StatusDone, f.job(t).Status)
}

func TestRun_AuditTrail(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Beagle", Confidence: 0.92},
		editOut:   [][]byte{canvasPNG(t), canvasPNG(t)},
		genOut:    canvasPNG(t),
	}
	f := newFixture(t, synth)

	f.orch.Run(context.Background(), f.task)

	trail, err := f.st.AuditTrail(context.Background(), f.task.JobID)
	require.NoError(t, err)
	events := make([]string, 0, len(trail))
	for _, e := range trail {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{"breed_detected", "stage_completed", "stage_completed", "stage_completed", "done"}, events)
}

func TestStageResult(t *testing.T) {
	ok := runStage(StageEdit1, func() (int, error) { return 7, nil })
	assert.True(t, ok.OK())
	assert.Equal(t, 7, ok.Value)
	assert.Equal(t, StageEdit1, ok.Stage)

	bad := runStage(StageEdit2, func() (int, error) { return 0, errors.New("nope") })
	assert.False(t, bad.OK())
	assert.EqualError(t, bad.Err, "nope")
}

func TestScratchClose(t *testing.T) {
	root := t.TempDir()
	s, err := newScratch(root, "job")
	require.NoError(t, err)
	require.NoError(t, s.put("a.png", []byte("x")))
	got, err := s.get("a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
	require.NoError(t, s.Close())

	_, err = s.get("a.png")
	var re *ResourceError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, "read", re.Op)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRun_ScratchCleanupFailureKeepsOutcome(t *testing.T) {
	removeAll = func(string) error { return errors.New("device busy") }
	t.Cleanup(func() { removeAll = os.RemoveAll })

	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Beagle", Confidence: 0.9},
		editOut:   [][]byte{canvasPNG(t), canvasPNG(t)},
		genOut:    canvasPNG(t),
	}
	f := newFixture(t, synth)
	before := counterValue(t, telemetry.CleanupFailures)

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusDone, job.Status)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, before+1, counterValue(t, telemetry.CleanupFailures))
}

func TestRun_JobFailedElsewhereGetsNoMoreAssets(t *testing.T) {
	synth := &fakeSynth{
		detection: synthesis.Detection{Breed: "Beagle", Confidence: 0.9},
		editOut:   [][]byte{canvasPNG(t), canvasPNG(t)},
		genOut:    canvasPNG(t),
	}
	f := newFixture(t, synth)
	msg := "processing interrupted: worker lease expired"
	synth.beforeEdit = func(i int) {
		if i == 0 {
			require.NoError(t, f.st.UpdateJobStatus(context.Background(), f.task.JobID, models.StatusError, &msg))
		}
	}

	f.orch.Run(context.Background(), f.task)

	job := f.job(t)
	assert.Equal(t, models.StatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, msg, *job.ErrorMessage)
	assert.Equal(t, []models.AssetKind{models.KindOriginal}, f.kinds(t))
	assert.Equal(t, []string{"detect", "edit"}, synth.calls)
	f.assertScratchEmpty(t)
}
