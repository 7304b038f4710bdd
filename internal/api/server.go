// Package api exposes the HTTP surface: job submission, status,
// streaming progress, result retrieval, and artifact download.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fileforge/internal/artifacts"
	"fileforge/internal/config"
	"fileforge/internal/events"
	"fileforge/internal/ledger"
	"fileforge/internal/models"
	"fileforge/internal/ratelimit"
	"fileforge/internal/telemetry"
	"fileforge/internal/token"
)

// Server wires the HTTP handlers. The broadcaster and limiter may be
// nil: streaming then falls back to ledger polling and submission is
// unthrottled.
type Server struct {
	cfg        config.Config
	led        ledger.Ledger
	store      artifacts.Store
	events     *events.Broadcaster
	limiter    *ratelimit.SubmissionLimiter
	streamPoll time.Duration
}

func New(cfg config.Config, led ledger.Ledger, store artifacts.Store, ev *events.Broadcaster, limiter *ratelimit.SubmissionLimiter) *Server {
	return &Server{cfg: cfg, led: led, store: store, events: ev, limiter: limiter, streamPoll: 2 * time.Second}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/stream", s.handleStream)
		r.Get("/{id}/result", s.handleResult)
		r.Get("/{id}/download/{kind}", s.handleDownload)
	})
	return r
}

// allowedExts maps each job type to the upload extensions it accepts.
var allowedExts = map[models.JobType]map[string]bool{
	models.TypeOCR:      set("pdf", "png", "jpg", "jpeg", "tif", "tiff", "bmp"),
	models.TypeImage:    set("png", "jpg", "jpeg", "gif", "bmp", "tiff", "webp"),
	models.TypeDocument: set("pdf", "docx", "odt", "txt", "md", "html", "rtf", "epub"),
	models.TypeAudio:    set("mp3", "wav", "ogg", "flac", "aac", "m4a"),
	models.TypeVideo:    set("mp4", "webm", "avi", "mov", "mkv"),
	models.TypePDFTool:  set("pdf"),
}

func set(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

type submitResponse struct {
	JobID       string `json:"job_id"`
	AccessToken string `json:"access_token"`
	Status      string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowClient(r.Context(), clientIP(r))
		if err == nil && !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		// Limiter errors fail open: Redis being down should not block
		// submissions.
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileBytes()+512*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("file exceeds %d MB limit", s.cfg.MaxFileMB), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	typ := models.JobType(r.FormValue("type"))
	if !models.ValidType(typ) {
		http.Error(w, fmt.Sprintf("unknown job type %q", typ), http.StatusBadRequest)
		return
	}

	opts, err := parseOptions(r, typ)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if !allowedExts[typ][ext] {
		http.Error(w, fmt.Sprintf("extension %q not accepted for type %q", ext, typ), http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	uploadPath := filepath.Join(s.cfg.UploadDir(), id+"."+ext)
	if err := saveUpload(file, uploadPath); err != nil {
		http.Error(w, "store upload", http.StatusInternalServerError)
		return
	}
	if err := checkContent(uploadPath, typ, ext); err != nil {
		os.Remove(uploadPath)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	accessToken, hash, err := token.Issue()
	if err != nil {
		os.Remove(uploadPath)
		http.Error(w, "issue token", http.StatusInternalServerError)
		return
	}

	job, err := s.led.Create(r.Context(), ledger.CreateParams{
		ID:         id,
		Type:       typ,
		Filename:   filename,
		UploadPath: uploadPath,
		Options:    opts,
		TokenHash:  hash,
	})
	if err != nil {
		os.Remove(uploadPath)
		http.Error(w, "create job", http.StatusInternalServerError)
		return
	}
	telemetry.JobsSubmitted.WithLabelValues(string(typ)).Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:       job.ID,
		AccessToken: accessToken,
		Status:      job.Status,
	})
}

func saveUpload(src io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	return f.Close()
}

// checkContent sniffs the stored bytes and rejects uploads whose
// content clearly contradicts the claimed type. Extensions lie;
// magic bytes mostly don't.
func checkContent(path string, typ models.JobType, ext string) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("inspect upload: %w", err)
	}
	detected := mt.String()
	switch {
	case typ == models.TypePDFTool, typ == models.TypeOCR && ext == "pdf":
		if !strings.HasPrefix(detected, "application/pdf") {
			return fmt.Errorf("file content is %s, not a PDF", detected)
		}
	case typ == models.TypeImage, typ == models.TypeOCR:
		if !strings.HasPrefix(detected, "image/") {
			return fmt.Errorf("file content is %s, not an image", detected)
		}
	case typ == models.TypeAudio:
		if !strings.HasPrefix(detected, "audio/") && !strings.HasPrefix(detected, "application/ogg") {
			return fmt.Errorf("file content is %s, not audio", detected)
		}
	case typ == models.TypeVideo:
		if !strings.HasPrefix(detected, "video/") {
			return fmt.Errorf("file content is %s, not video", detected)
		}
	}
	// Document formats are too heterogeneous to sniff reliably.
	return nil
}

func parseOptions(r *http.Request, typ models.JobType) (models.Options, error) {
	var opts models.Options

	switch typ {
	case models.TypeOCR:
		mode := models.Mode(r.FormValue("mode"))
		if mode == "" {
			mode = models.ModeText
		}
		if !models.ValidMode(mode) {
			return opts, fmt.Errorf("unknown mode %q", mode)
		}
		opts.Mode = mode
		opts.Lang = r.FormValue("lang")
		opts.DPI = formInt(r, "dpi")
		if opts.DPI < 0 || opts.DPI > 1200 {
			return opts, fmt.Errorf("dpi out of range")
		}
	case models.TypePDFTool:
		opts.PDFMode = r.FormValue("pdf_mode")
		switch opts.PDFMode {
		case "rotate", "extract", "optimize":
		default:
			return opts, fmt.Errorf("pdf_mode must be rotate, extract, or optimize")
		}
		opts.PageRange = r.FormValue("page_range")
		opts.Degrees = formInt(r, "degrees")
	default:
		opts.OutputFormat = strings.ToLower(r.FormValue("output_format"))
		opts.Quality = formInt(r, "quality")
		opts.Grayscale = r.FormValue("grayscale") == "true"
		opts.Width = formInt(r, "width")
		opts.Height = formInt(r, "height")
		opts.Rotation = formInt(r, "rotation")
		opts.Bitrate = r.FormValue("bitrate")
	}
	return opts, nil
}

func formInt(r *http.Request, key string) int {
	if v := r.FormValue(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	jobs, err := s.led.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, "list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// authorize loads the job and checks the capability token. Unknown job
// ids and bad tokens are indistinguishable from the outside.
func (s *Server) authorize(r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	presented := r.URL.Query().Get("token")
	if presented == "" {
		presented = r.Header.Get("X-Access-Token")
	}
	job, err := s.led.Get(r.Context(), id)
	if err != nil {
		return models.Job{}, false
	}
	if !token.Verify(presented, job.TokenHash) {
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch job.Status {
	case models.StatusCompleted:
		key, ok := job.Artifacts[models.ArtifactJSON]
		if !ok {
			http.Error(w, "result document missing", http.StatusInternalServerError)
			return
		}
		rc, err := s.store.Open(r.Context(), key)
		if err != nil {
			http.Error(w, "open result", http.StatusInternalServerError)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)
	case models.StatusFailed:
		writeJSON(w, http.StatusOK, map[string]string{"status": job.Status, "error": job.Error})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": job.Status, "progress": job.Progress})
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if job.Status != models.StatusCompleted {
		http.Error(w, "job not completed", http.StatusConflict)
		return
	}
	kind := chi.URLParam(r, "kind")
	key, ok := job.Artifacts[kind]
	if !ok {
		http.Error(w, fmt.Sprintf("no %q artifact", kind), http.StatusNotFound)
		return
	}
	rc, err := s.store.Open(r.Context(), key)
	if err != nil {
		http.Error(w, "open artifact", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(key)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// handleStream serves server-sent progress events. Pushed events are
// the fast path; a ledger poll backstops dropped events so the stream
// always terminates when the job does.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(ev models.ProgressEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	snapshot := models.ProgressEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress, Error: job.Error}
	send(snapshot)
	if models.Terminal(job.Status) {
		return
	}

	var pushed <-chan models.ProgressEvent
	if s.events != nil {
		sub, err := s.events.Subscribe(r.Context(), job.ID)
		if err == nil {
			defer sub.Close()
			pushed = sub.Events()
		}
	}

	lastProgress := job.Progress
	poll := time.NewTicker(s.streamPoll)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-pushed:
			if !open {
				pushed = nil
				continue
			}
			if ev.Progress > lastProgress || models.Terminal(ev.Status) {
				if ev.Progress > lastProgress {
					lastProgress = ev.Progress
				}
				send(ev)
			}
			if models.Terminal(ev.Status) {
				return
			}
		case <-poll.C:
			current, err := s.led.Get(r.Context(), job.ID)
			if err != nil {
				return
			}
			if current.Progress > lastProgress || models.Terminal(current.Status) {
				lastProgress = current.Progress
				send(models.ProgressEvent{JobID: current.ID, Status: current.Status, Progress: current.Progress, Error: current.Error})
			}
			if models.Terminal(current.Status) {
				return
			}
		}
	}
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i > 0 {
			return strings.TrimSpace(v[:i])
		}
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
