package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fileforge/internal/artifacts"
	"fileforge/internal/config"
	"fileforge/internal/ledger"
	"fileforge/internal/models"
)

type testServer struct {
	srv     *Server
	handler http.Handler
	led     ledger.Ledger
	store   artifacts.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	cfg := config.Config{
		DataDir:         t.TempDir(),
		ArtifactBackend: "local",
		MaxFileMB:       1,
	}
	led, err := ledger.OpenSQLite(ctx, filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	store, err := artifacts.New(ctx, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	srv := New(cfg, led, store, nil, nil)
	srv.streamPoll = 20 * time.Millisecond
	return &testServer{srv: srv, handler: srv.Router(), led: led, store: store}
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) submit(t *testing.T, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fields, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<</Root 1 0 R>>\n%%EOF")

func (ts *testServer) submitOCR(t *testing.T) (id, accessToken string) {
	t.Helper()
	rec := ts.submit(t, map[string]string{"type": "ocr", "mode": "text"}, "scan.pdf", pdfBytes)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.JobID, resp.AccessToken
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	ts := newTestServer(t)
	id, accessToken := ts.submitOCR(t)

	if len(accessToken) != 43 {
		t.Fatalf("token length = %d", len(accessToken))
	}
	job, err := ts.led.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != models.StatusQueued {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Options.Mode != models.ModeText {
		t.Fatalf("mode = %s", job.Options.Mode)
	}
	if job.UploadPath == "" {
		t.Fatalf("upload path not recorded")
	}
}

func TestSubmitRejections(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name     string
		fields   map[string]string
		filename string
		content  []byte
	}{
		{"unknown type", map[string]string{"type": "hologram"}, "a.pdf", pdfBytes},
		{"bad extension", map[string]string{"type": "ocr"}, "a.exe", pdfBytes},
		{"bad mode", map[string]string{"type": "ocr", "mode": "psychic"}, "a.pdf", pdfBytes},
		{"content mismatch", map[string]string{"type": "ocr"}, "a.pdf", []byte("just plain text")},
		{"bad pdf_mode", map[string]string{"type": "pdf-tool", "pdf_mode": "shred"}, "a.pdf", pdfBytes},
	}
	for _, tc := range cases {
		rec := ts.submit(t, tc.fields, tc.filename, tc.content)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d: %s", tc.name, rec.Code, rec.Body.String())
		}
	}
}

func TestSubmitSizeCap(t *testing.T) {
	ts := newTestServer(t)
	big := make([]byte, 2<<20)
	copy(big, pdfBytes)
	rec := ts.submit(t, map[string]string{"type": "ocr"}, "big.pdf", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func (ts *testServer) get(t *testing.T, path, accessToken string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if accessToken != "" {
		req.Header.Set("X-Access-Token", accessToken)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestTokenGuard(t *testing.T) {
	ts := newTestServer(t)
	id, accessToken := ts.submitOCR(t)

	if rec := ts.get(t, "/api/jobs/"+id, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
	if rec := ts.get(t, "/api/jobs/"+id, "wrong-token"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	// Unknown job id looks exactly like a bad token.
	if rec := ts.get(t, "/api/jobs/no-such-job", accessToken); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown id: %d", rec.Code)
	}
	rec := ts.get(t, "/api/jobs/"+id, accessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: %d", rec.Code)
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != id || job.Status != models.StatusQueued {
		t.Fatalf("job = %+v", job)
	}
	// Token via query parameter works too.
	if rec := ts.get(t, "/api/jobs/"+id+"?token="+accessToken, ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
}

func TestListNeverExposesSecrets(t *testing.T) {
	ts := newTestServer(t)
	ts.submitOCR(t)

	rec := ts.get(t, "/api/jobs/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, needle := range []string{"token", "upload_path", "TokenHash"} {
		if strings.Contains(body, needle) {
			t.Fatalf("listing leaks %q: %s", needle, body)
		}
	}
}

// completeJob walks a submitted job to completed with a stored result
// document, the way the pipeline would.
func (ts *testServer) completeJob(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	job, ok, err := ts.led.ClaimNext(ctx)
	if err != nil || !ok || job.ID != id {
		t.Fatalf("claim: job=%v ok=%v err=%v", job.ID, ok, err)
	}
	doc := fmt.Sprintf(`{"job_id":%q,"final_text":"hello"}`, id)
	key, err := ts.store.Save(ctx, id+"/result.json", strings.NewReader(doc), "application/json")
	if err != nil {
		t.Fatalf("save result: %v", err)
	}
	txtKey, err := ts.store.Save(ctx, id+"/extracted.txt", strings.NewReader("hello"), "text/plain")
	if err != nil {
		t.Fatalf("save text: %v", err)
	}
	arts := map[string]string{models.ArtifactJSON: key, models.ArtifactText: txtKey}
	if err := ts.led.Complete(ctx, id, arts); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestResultLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id, accessToken := ts.submitOCR(t)

	rec := ts.get(t, "/api/jobs/"+id+"/result", accessToken)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("queued result status = %d", rec.Code)
	}

	ts.completeJob(t, id)

	rec = ts.get(t, "/api/jobs/"+id+"/result", accessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("completed result status = %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if doc["final_text"] != "hello" {
		t.Fatalf("result = %v", doc)
	}
}

func TestResultForFailedJob(t *testing.T) {
	ts := newTestServer(t)
	id, accessToken := ts.submitOCR(t)

	ctx := context.Background()
	if _, ok, err := ts.led.ClaimNext(ctx); err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}
	if err := ts.led.Fail(ctx, id, "engine exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec := ts.get(t, "/api/jobs/"+id+"/result", accessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed result status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "engine exploded") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDownloadStates(t *testing.T) {
	ts := newTestServer(t)
	id, accessToken := ts.submitOCR(t)

	// Not completed yet: conflict.
	rec := ts.get(t, "/api/jobs/"+id+"/download/txt", accessToken)
	if rec.Code != http.StatusConflict {
		t.Fatalf("not ready: %d", rec.Code)
	}

	ts.completeJob(t, id)

	// Unknown artifact kind: not found.
	rec = ts.get(t, "/api/jobs/"+id+"/download/pdf", accessToken)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown kind: %d", rec.Code)
	}

	rec = ts.get(t, "/api/jobs/"+id+"/download/txt", accessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "extracted.txt") {
		t.Fatalf("disposition = %q", cd)
	}
}

func TestStreamTerminalJobSendsSnapshotAndCloses(t *testing.T) {
	ts := newTestServer(t)
	id, accessToken := ts.submitOCR(t)
	ts.completeJob(t, id)

	rec := ts.get(t, "/api/jobs/"+id+"/stream", accessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := decodeSSE(t, rec.Body.String())
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
	if events[0].Status != models.StatusCompleted || events[0].Progress != 100 {
		t.Fatalf("snapshot = %+v", events[0])
	}
}

func TestStreamFollowsJobViaPolling(t *testing.T) {
	ts := newTestServer(t)
	id, accessToken := ts.submitOCR(t)

	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	// Walk the job to terminal while the stream is open.
	go func() {
		ctx := context.Background()
		time.Sleep(50 * time.Millisecond)
		if _, ok, err := ts.led.ClaimNext(ctx); err != nil || !ok {
			return
		}
		_ = ts.led.UpdateProgress(ctx, id, 40)
		time.Sleep(50 * time.Millisecond)
		ts.completeJob2(id)
	}()

	req, _ := http.NewRequest(http.MethodGet, httpSrv.URL+"/api/jobs/"+id+"/stream", nil)
	req.Header.Set("X-Access-Token", accessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := decodeSSE(t, string(body))
	if len(events) < 2 {
		t.Fatalf("events = %v", events)
	}
	prev := -1
	for _, ev := range events {
		if ev.Progress < prev {
			t.Fatalf("progress regressed: %v", events)
		}
		prev = ev.Progress
	}
	last := events[len(events)-1]
	if last.Status != models.StatusCompleted {
		t.Fatalf("stream did not end terminal: %+v", last)
	}
}

// completeJob2 is completeJob without the claim (already claimed).
func (ts *testServer) completeJob2(id string) {
	ctx := context.Background()
	key, err := ts.store.Save(ctx, id+"/result.json", strings.NewReader("{}"), "application/json")
	if err != nil {
		return
	}
	_ = ts.led.Complete(ctx, id, map[string]string{models.ArtifactJSON: key})
}

func decodeSSE(t *testing.T, body string) []models.ProgressEvent {
	t.Helper()
	var events []models.ProgressEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}
