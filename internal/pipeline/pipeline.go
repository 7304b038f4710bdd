// Package pipeline turns a claimed job into artifacts. It owns the stage
// sequencing, progress reporting, result-cache consultation, and the
// terminal transition: every job that enters Run leaves it completed or
// failed exactly once.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fileforge/internal/adapters"
	"fileforge/internal/artifacts"
	"fileforge/internal/cache"
	"fileforge/internal/config"
	"fileforge/internal/ledger"
	"fileforge/internal/models"
	"fileforge/internal/telemetry"
)

// Publisher pushes progress events to stream subscribers. Delivery is
// best effort; the ledger row stays authoritative.
type Publisher interface {
	Publish(ctx context.Context, ev models.ProgressEvent)
}

// Toolset groups the adapters a pipeline drives. A nil ValidatePDF
// skips structural validation.
type Toolset struct {
	Extract     adapters.Extractor
	Render      adapters.Renderer
	Recognize   adapters.Recognizer
	Compose     adapters.Composer
	ValidatePDF func(path string) error
	Converters  map[models.JobType]adapters.Converter
}

// DefaultToolset wires the production adapters from config.
func DefaultToolset(cfg config.Config) Toolset {
	return Toolset{
		Extract:     adapters.NewTikaExtractor(cfg.TikaURL, cfg.ToolTimeout),
		Render:      adapters.NewPopplerRenderer(""),
		Recognize:   adapters.NewTesseractRecognizer(),
		Compose:     adapters.NewPDFComposer(),
		ValidatePDF: adapters.ValidatePDF,
		Converters: map[models.JobType]adapters.Converter{
			models.TypeImage:    adapters.NewImageConverter(),
			models.TypeDocument: adapters.NewDocumentConverter(""),
			models.TypeAudio:    adapters.NewAudioConverter(""),
			models.TypeVideo:    adapters.NewVideoConverter(""),
			models.TypePDFTool:  adapters.NewPDFToolConverter(),
		},
	}
}

// Pipeline processes claimed jobs end to end.
type Pipeline struct {
	cfg    config.Config
	led    ledger.Ledger
	cache  *cache.Cache
	store  artifacts.Store
	events Publisher
	tools  Toolset
}

func New(cfg config.Config, led ledger.Ledger, c *cache.Cache, store artifacts.Store, events Publisher, tools Toolset) *Pipeline {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 2 * time.Minute
	}
	return &Pipeline{cfg: cfg, led: led, cache: c, store: store, events: events, tools: tools}
}

// Run processes one claimed job to a terminal state. The returned error
// is for worker logging only; the terminal transition has already been
// recorded by the time Run returns.
func (p *Pipeline) Run(ctx context.Context, job models.Job) error {
	rep := &reporter{pipe: p, jobID: job.ID, current: job.Progress}

	// Terminal writes use a detached context so a shutdown mid-job
	// still records the outcome of work already done.
	term := context.WithoutCancel(ctx)

	arts, err := p.execute(ctx, job, rep)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the job. Leave it processing so
			// startup recovery requeues it instead of failing work
			// that was never given a chance.
			return err
		}
		p.fail(term, job.ID, err)
		return err
	}
	if err := p.led.Complete(term, job.ID, arts); err != nil {
		p.fail(term, job.ID, fmt.Errorf("record completion: %w", err))
		return err
	}
	telemetry.JobsCompleted.Inc()
	p.publish(term, models.ProgressEvent{JobID: job.ID, Status: models.StatusCompleted, Progress: 100})
	p.removeUpload(job)
	return nil
}

func (p *Pipeline) execute(ctx context.Context, job models.Job, rep *reporter) (map[string]string, error) {
	switch job.Type {
	case models.TypeOCR:
		return p.runOCR(ctx, job, rep)
	case models.TypeImage, models.TypeDocument, models.TypeAudio, models.TypeVideo, models.TypePDFTool:
		return p.runConversion(ctx, job, rep)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (p *Pipeline) fail(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	if err := p.led.Fail(ctx, jobID, msg); err != nil {
		log.Printf("job %s: record failure: %v", jobID, err)
	}
	telemetry.JobsFailed.Inc()
	p.publish(ctx, models.ProgressEvent{JobID: jobID, Status: models.StatusFailed, Error: msg})
}

func (p *Pipeline) publish(ctx context.Context, ev models.ProgressEvent) {
	if p.events == nil {
		return
	}
	p.events.Publish(ctx, ev)
}

func (p *Pipeline) removeUpload(job models.Job) {
	if job.UploadPath == "" {
		return
	}
	if err := os.Remove(job.UploadPath); err != nil && !os.IsNotExist(err) {
		log.Printf("job %s: remove upload: %v", job.ID, err)
	}
}

// conversion stage weights: validate 0-10, convert 10-90, finalize 90-100.
func (p *Pipeline) runConversion(ctx context.Context, job models.Job, rep *reporter) (map[string]string, error) {
	conv, ok := p.tools.Converters[job.Type]
	if !ok {
		return nil, fmt.Errorf("no converter for type %q", job.Type)
	}

	if _, err := os.Stat(job.UploadPath); err != nil {
		return nil, fmt.Errorf("uploaded file missing: %w", err)
	}
	if job.Type == models.TypePDFTool && p.tools.ValidatePDF != nil {
		if err := p.tools.ValidatePDF(job.UploadPath); err != nil {
			return nil, err
		}
	}
	rep.report(ctx, 10)

	tmpDir, err := os.MkdirTemp("", "fileforge-convert-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	toolCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	outPath, err := conv.Convert(toolCtx, job.UploadPath, filepath.Join(tmpDir, "converted"), job.Options)
	cancel()
	if err != nil {
		return nil, err
	}
	rep.report(ctx, 90)

	kind := artifactKindFor(job.Type)
	key, err := p.saveFileArtifact(ctx, job.ID, outPath, contentTypeFor(outPath))
	if err != nil {
		return nil, err
	}

	result := &models.Result{
		JobID:    job.ID,
		Filename: job.Filename,
		Metadata: map[string]string{"output": filepath.Base(outPath)},
		Options:  job.Options,
	}
	arts := map[string]string{kind: key}
	if err := p.saveResultDoc(ctx, job.ID, result, arts); err != nil {
		return nil, err
	}
	rep.report(ctx, 100)
	return arts, nil
}

func artifactKindFor(t models.JobType) string {
	switch t {
	case models.TypeImage:
		return models.ArtifactImage
	case models.TypeDocument:
		return models.ArtifactDocument
	case models.TypeAudio:
		return models.ArtifactAudio
	case models.TypeVideo:
		return models.ArtifactVideo
	default:
		return models.ArtifactPDF
	}
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// saveFileArtifact copies a produced file into the artifact store under
// the job's prefix and returns its key.
func (p *Pipeline) saveFileArtifact(ctx context.Context, jobID, path, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open produced file: %w", err)
	}
	defer f.Close()
	key, err := p.store.Save(ctx, jobID+"/"+filepath.Base(path), f, contentType)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return key, nil
}

// saveResultDoc persists the JSON result document and registers it in
// the artifact map. Every completed job carries one.
func (p *Pipeline) saveResultDoc(ctx context.Context, jobID string, result *models.Result, arts map[string]string) error {
	doc, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key, err := p.store.Save(ctx, jobID+"/result.json", bytes.NewReader(doc), "application/json")
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	arts[models.ArtifactJSON] = key
	return nil
}

// reporter pushes monotonic progress to the ledger and the event stream.
// A stale (lower) value is dropped locally before it ever reaches the
// ledger, which enforces the same floor with MAX/GREATEST.
type reporter struct {
	pipe    *Pipeline
	jobID   string
	mu      sync.Mutex
	current int
}

// The lock is held across the ledger write and the publish so
// concurrent page workers cannot reorder events on the stream.
func (r *reporter) report(ctx context.Context, progress int) {
	if progress > 100 {
		progress = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if progress <= r.current {
		return
	}
	r.current = progress

	if err := r.pipe.led.UpdateProgress(ctx, r.jobID, progress); err != nil {
		log.Printf("job %s: update progress: %v", r.jobID, err)
	}
	r.pipe.publish(ctx, models.ProgressEvent{JobID: r.jobID, Status: models.StatusProcessing, Progress: progress})
}

// scaled maps done/total onto the from..to progress band.
func scaled(from, to, done, total int) int {
	if total <= 0 {
		return to
	}
	return from + (to-from)*done/total
}
