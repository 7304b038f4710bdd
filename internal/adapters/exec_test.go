package adapters

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"fileforge/internal/models"
)

// fakeRunner records invocations and fabricates the side effects the
// real binaries would have.
type fakeRunner struct {
	calls   [][]string
	failure error
	onRun   func(name string, args []string) error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failure != nil {
		return nil, []byte("tool exploded"), f.failure
	}
	if f.onRun != nil {
		if err := f.onRun(name, args); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

func TestRenderRangeCollectsPagesInOrder(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{onRun: func(_ string, args []string) error {
		prefix := args[len(args)-1]
		for i := 3; i <= 5; i++ {
			if err := os.WriteFile(fmt.Sprintf("%s-%02d.png", prefix, i), []byte("png"), 0o644); err != nil {
				return err
			}
		}
		return nil
	}}
	r := &PopplerRenderer{pdftoppm: "pdftoppm", runner: runner}

	paths, err := r.RenderRange(context.Background(), "in.pdf", 3, 5, 300, dir)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("got %d paths", len(paths))
	}
	for i, p := range paths {
		if want := fmt.Sprintf("-%02d.png", i+3); !strings.HasSuffix(p, want) {
			t.Fatalf("paths[%d] = %q, want suffix %q", i, p, want)
		}
	}

	args := runner.calls[0]
	joined := strings.Join(args, " ")
	for _, want := range []string{"-png", "-r 300", "-f 3", "-l 5", "in.pdf"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestRenderRangeCountMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{onRun: func(_ string, args []string) error {
		prefix := args[len(args)-1]
		return os.WriteFile(prefix+"-1.png", []byte("png"), 0o644)
	}}
	r := &PopplerRenderer{pdftoppm: "pdftoppm", runner: runner}

	_, err := r.RenderRange(context.Background(), "in.pdf", 1, 2, 150, dir)
	if err == nil || !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestAudioConvertArgs(t *testing.T) {
	runner := &fakeRunner{}
	conv := &AudioConverter{ffmpeg: "ffmpeg", runner: runner}

	out, err := conv.Convert(context.Background(), "in.wav", "/tmp/out", models.Options{
		OutputFormat: "mp3",
		Bitrate:      "192k",
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out != "/tmp/out.mp3" {
		t.Fatalf("out = %q", out)
	}
	joined := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"-y", "-i in.wav", "-b:a 192k", "/tmp/out.mp3"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestVideoConvertScaleKeepsAspect(t *testing.T) {
	runner := &fakeRunner{}
	conv := &VideoConverter{ffmpeg: "ffmpeg", runner: runner}

	out, err := conv.Convert(context.Background(), "in.mov", "/tmp/clip", models.Options{
		OutputFormat: "webm",
		Width:        640,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out != "/tmp/clip.webm" {
		t.Fatalf("out = %q", out)
	}
	joined := strings.Join(runner.calls[0], " ")
	if !strings.Contains(joined, "scale=640:-1") {
		t.Fatalf("args %q missing scale filter", joined)
	}
}

func TestDocumentConvertPlainWriter(t *testing.T) {
	runner := &fakeRunner{}
	conv := &DocumentConverter{pandoc: "pandoc", runner: runner}

	out, err := conv.Convert(context.Background(), "in.docx", "/tmp/doc", models.Options{OutputFormat: "txt"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out != "/tmp/doc.txt" {
		t.Fatalf("out = %q", out)
	}
	joined := strings.Join(runner.calls[0], " ")
	if !strings.Contains(joined, "-t plain") {
		t.Fatalf("args %q missing plain writer", joined)
	}
}

func TestConvertToolFailureIsFatal(t *testing.T) {
	runner := &fakeRunner{failure: fmt.Errorf("exit status 1")}
	conv := &AudioConverter{ffmpeg: "ffmpeg", runner: runner}

	_, err := conv.Convert(context.Background(), "in.wav", "/tmp/out", models.Options{})
	if err == nil || !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !strings.Contains(err.Error(), "tool exploded") {
		t.Fatalf("stderr not surfaced: %v", err)
	}
}

func TestUnsupportedFormatsRejected(t *testing.T) {
	runner := &fakeRunner{}
	audio := &AudioConverter{ffmpeg: "ffmpeg", runner: runner}
	if _, err := audio.Convert(context.Background(), "in.wav", "/tmp/x", models.Options{OutputFormat: "xyz"}); err == nil {
		t.Fatalf("audio accepted bad format")
	}
	video := &VideoConverter{ffmpeg: "ffmpeg", runner: runner}
	if _, err := video.Convert(context.Background(), "in.mov", "/tmp/x", models.Options{OutputFormat: "xyz"}); err == nil {
		t.Fatalf("video accepted bad format")
	}
	doc := &DocumentConverter{pandoc: "pandoc", runner: runner}
	if _, err := doc.Convert(context.Background(), "in.docx", "/tmp/x", models.Options{OutputFormat: "xyz"}); err == nil {
		t.Fatalf("document accepted bad format")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("tool was invoked for rejected formats")
	}
}
