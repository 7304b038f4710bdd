package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"fileforge/internal/adapters"
	"fileforge/internal/cache"
	"fileforge/internal/models"
	"fileforge/internal/telemetry"
)

// runOCR handles the three text-recovery modes. Stage weights:
//
//	text: validate 0-5,  extract 5-95,                finalize 95-100
//	ocr:  validate 0-5,  pages 5-80,   compose 80-95, finalize 95-100
//	both: validate 0-5,  extract 5-15, pages 15-75,
//	      compose 75-88, derive 88-95,                finalize 95-100
func (p *Pipeline) runOCR(ctx context.Context, job models.Job, rep *reporter) (map[string]string, error) {
	opts := job.Options
	if opts.Mode == "" {
		opts.Mode = models.ModeText
	}
	if opts.Lang == "" {
		opts.Lang = p.cfg.OCRLang
	}
	if opts.DPI <= 0 {
		opts.DPI = p.cfg.OCRDPI
	}

	isPDF := strings.EqualFold(filepath.Ext(job.Filename), ".pdf")
	if isPDF && p.tools.ValidatePDF != nil {
		if err := p.tools.ValidatePDF(job.UploadPath); err != nil {
			return nil, err
		}
	}
	rep.report(ctx, 5)

	contentFP, err := cache.FingerprintFile(job.UploadPath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint upload: %w", err)
	}
	optsFP := cache.OptionsFingerprint(opts)

	result := &models.Result{JobID: job.ID, Filename: job.Filename, Options: opts}
	arts := map[string]string{}

	scratch, err := os.MkdirTemp("", "fileforge-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	switch opts.Mode {
	case models.ModeText:
		if err := p.extractText(ctx, job, cache.Key(contentFP, optsFP), result); err != nil {
			return nil, err
		}
		rep.report(ctx, 95)
		if err := p.saveTextArtifact(ctx, job.ID, result.FinalText, arts); err != nil {
			return nil, err
		}

	case models.ModeOCR:
		pages, images, err := p.ocrPages(ctx, job, rep, 5, 80, opts, optsFP, isPDF, scratch)
		if err != nil {
			return nil, err
		}
		result.Pages = pages
		result.FinalText = joinPages(pages)
		collectPageErrors(pages, result)
		if err := p.composeArtifact(ctx, job.ID, images, scratch, arts); err != nil {
			return nil, err
		}
		rep.report(ctx, 95)

	case models.ModeBoth:
		// Embedded text first; an extraction failure degrades to
		// OCR-only rather than failing the job.
		if err := p.extractText(ctx, job, cache.Key(contentFP, optsFP), result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		rep.report(ctx, 15)

		pages, images, err := p.ocrPages(ctx, job, rep, 15, 75, opts, optsFP, isPDF, scratch)
		if err != nil {
			return nil, err
		}
		result.Pages = pages
		collectPageErrors(pages, result)
		if err := p.composeArtifact(ctx, job.ID, images, scratch, arts); err != nil {
			return nil, err
		}
		rep.report(ctx, 88)

		// The final text always comes from the OCR results, so the txt
		// artifact matches the recognized pages embedded in the pdf.
		// The extracted text layer rides along in the metadata.
		if embedded := strings.TrimSpace(result.FinalText); embedded != "" {
			if result.Metadata == nil {
				result.Metadata = map[string]string{}
			}
			result.Metadata["embedded_text"] = embedded
		}
		result.FinalText = joinPages(pages)
		rep.report(ctx, 95)
		if err := p.saveTextArtifact(ctx, job.ID, result.FinalText, arts); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	if err := p.saveResultDoc(ctx, job.ID, result, arts); err != nil {
		return nil, err
	}
	rep.report(ctx, 100)
	return arts, nil
}

// extractText fills FinalText and Metadata from the file cache or Tika.
func (p *Pipeline) extractText(ctx context.Context, job models.Job, fileKey string, result *models.Result) error {
	if entry, err := p.cache.LookupFile(ctx, fileKey); err == nil {
		result.FinalText = entry.Text
		result.Metadata = entry.Metadata
		return nil
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	text, meta, err := p.tools.Extract.Extract(toolCtx, job.UploadPath)
	cancel()
	if err != nil {
		return err
	}
	result.FinalText = text
	result.Metadata = meta

	if err := p.cache.StoreFile(ctx, fileKey, cache.FileEntry{Text: text, Metadata: meta}); err != nil {
		// A cache write failure only costs a future recomputation.
		result.Errors = append(result.Errors, fmt.Sprintf("cache store: %v", err))
	}
	return nil
}

// ocrPages renders (PDF inputs) and recognizes every page, consulting
// the page cache per page. Rendering happens in bounded batches and
// recognition fans out over a sub-pool so one huge document cannot
// monopolize memory or the OCR engine.
func (p *Pipeline) ocrPages(ctx context.Context, job models.Job, rep *reporter, progFrom, progTo int, opts models.Options, optsFP string, isPDF bool, scratch string) ([]models.PageResult, []string, error) {
	if !isPDF {
		// Single image input: OCR it directly, no rendering.
		results, err := p.recognizeBatch(ctx, rep, []string{job.UploadPath}, []int{1}, 1, progFrom, progTo, opts, optsFP, new(int))
		if err != nil {
			return nil, nil, err
		}
		return results, []string{job.UploadPath}, nil
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	total, err := p.tools.Render.PageCount(toolCtx, job.UploadPath)
	cancel()
	if err != nil {
		return nil, nil, err
	}
	if total == 0 {
		return nil, nil, fmt.Errorf("document has no pages")
	}

	batch := p.cfg.PageBatch
	if batch <= 0 {
		batch = 10
	}

	var (
		allResults []models.PageResult
		allImages  []string
		done       int
	)
	for first := 1; first <= total; first += batch {
		last := first + batch - 1
		if last > total {
			last = total
		}
		toolCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
		images, err := p.tools.Render.RenderRange(toolCtx, job.UploadPath, first, last, opts.DPI, scratch)
		cancel()
		if err != nil {
			return nil, nil, err
		}

		pageNums := make([]int, len(images))
		for i := range images {
			pageNums[i] = first + i
		}
		results, err := p.recognizeBatch(ctx, rep, images, pageNums, total, progFrom, progTo, opts, optsFP, &done)
		if err != nil {
			return nil, nil, err
		}
		allResults = append(allResults, results...)
		allImages = append(allImages, images...)
	}
	return allResults, allImages, nil
}

// recognizeBatch OCRs one batch of page images over the page sub-pool.
// The returned error is cancellation or a fatal engine failure; other
// per-page failures live in the page results.
func (p *Pipeline) recognizeBatch(ctx context.Context, rep *reporter, images []string, pageNums []int, total, progFrom, progTo int, opts models.Options, optsFP string, done *int) ([]models.PageResult, error) {
	workers := p.cfg.PageWorkers
	if workers <= 0 {
		workers = 1
	}

	results := make([]models.PageResult, len(images))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var fatal error
	sem := make(chan struct{}, workers)

	for i := range images {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := p.recognizePage(ctx, images[i], pageNums[i], opts, optsFP)
			results[i] = res
			telemetry.PagesProcessed.Inc()

			mu.Lock()
			if err != nil && fatal == nil {
				fatal = err
			}
			*done++
			progress := scaled(progFrom, progTo, *done, total)
			mu.Unlock()
			rep.report(ctx, progress)
		}(i)
	}
	wg.Wait()

	if fatal != nil {
		return nil, fatal
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// recognizePage OCRs one page, consulting the page cache first. A page
// failure is recorded in the result and the job carries on, unless the
// engine marks it fatal; then the whole job fails.
func (p *Pipeline) recognizePage(ctx context.Context, imagePath string, pageNum int, opts models.Options, optsFP string) (models.PageResult, error) {
	res := models.PageResult{Page: pageNum}

	fp, err := cache.FingerprintFile(imagePath)
	if err != nil {
		res.Error = fmt.Sprintf("fingerprint page: %v", err)
		return res, nil
	}
	key := cache.Key(fp, optsFP)

	if entry, err := p.cache.LookupPage(ctx, key); err == nil {
		res.Text = entry.Text
		res.Confidence = entry.Confidence
		res.Cached = true
		return res, nil
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	text, confidence, err := p.tools.Recognize.Recognize(toolCtx, imagePath, opts.Lang, opts.DPI)
	cancel()
	if err != nil {
		if adapters.IsFatal(err) {
			return res, fmt.Errorf("recognize page %d: %w", pageNum, err)
		}
		res.Error = err.Error()
		return res, nil
	}
	res.Text = text
	res.Confidence = confidence

	if err := p.cache.StorePage(ctx, key, cache.PageEntry{Text: text, Confidence: confidence}); err != nil {
		res.Error = fmt.Sprintf("cache store: %v", err)
	}
	return res, nil
}

// composeArtifact builds the PDF artifact from the page images inside
// scratch and registers it.
func (p *Pipeline) composeArtifact(ctx context.Context, jobID string, images []string, scratch string, arts map[string]string) error {
	outPath := filepath.Join(scratch, "pages.pdf")
	toolCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	err := p.tools.Compose.Compose(toolCtx, images, outPath)
	cancel()
	if err != nil {
		return err
	}

	key, err := p.saveFileArtifact(ctx, jobID, outPath, "application/pdf")
	if err != nil {
		return err
	}
	arts[models.ArtifactPDF] = key
	return nil
}

// saveTextArtifact persists the plain-text artifact.
func (p *Pipeline) saveTextArtifact(ctx context.Context, jobID, text string, arts map[string]string) error {
	key, err := p.store.Save(ctx, jobID+"/extracted.txt", strings.NewReader(text), "text/plain")
	if err != nil {
		return fmt.Errorf("store text artifact: %w", err)
	}
	arts[models.ArtifactText] = key
	return nil
}

func joinPages(pages []models.PageResult) string {
	parts := make([]string, 0, len(pages))
	for _, pg := range pages {
		if pg.Text != "" {
			parts = append(parts, pg.Text)
		}
	}
	return strings.Join(parts, "\n\f\n")
}

func collectPageErrors(pages []models.PageResult, result *models.Result) {
	for _, pg := range pages {
		if pg.Error != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %s", pg.Page, pg.Error))
		}
	}
}
