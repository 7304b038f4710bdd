package adapters

import (
	"context"
	"strconv"
	"strings"

	"fileforge/internal/models"
)

// AudioConverter transcodes audio files with ffmpeg.
type AudioConverter struct {
	ffmpeg string
	runner Runner
}

func NewAudioConverter(ffmpeg string) *AudioConverter {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &AudioConverter{ffmpeg: ffmpeg, runner: execRunner{}}
}

var audioFormats = map[string]bool{
	"mp3": true, "wav": true, "ogg": true, "flac": true, "aac": true, "m4a": true,
}

func (a *AudioConverter) Convert(ctx context.Context, inPath, outBase string, opts models.Options) (string, error) {
	format := strings.ToLower(opts.OutputFormat)
	if format == "" {
		format = "mp3"
	}
	if !audioFormats[format] {
		return "", Fatalf("unsupported audio format %q", format)
	}

	args := []string{"-y", "-i", inPath}
	if opts.Bitrate != "" {
		args = append(args, "-b:a", opts.Bitrate)
	}
	outPath := outBase + "." + format
	args = append(args, outPath)

	_, errb, err := a.runner.Run(ctx, a.ffmpeg, args...)
	if err != nil {
		return "", Fatalf("convert audio: %v: %s", err, truncate(string(errb), 512))
	}
	return outPath, nil
}

// VideoConverter transcodes video files with ffmpeg.
type VideoConverter struct {
	ffmpeg string
	runner Runner
}

func NewVideoConverter(ffmpeg string) *VideoConverter {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &VideoConverter{ffmpeg: ffmpeg, runner: execRunner{}}
}

var videoFormats = map[string]bool{
	"mp4": true, "webm": true, "avi": true, "mov": true, "mkv": true, "gif": true,
}

func (v *VideoConverter) Convert(ctx context.Context, inPath, outBase string, opts models.Options) (string, error) {
	format := strings.ToLower(opts.OutputFormat)
	if format == "" {
		format = "mp4"
	}
	if !videoFormats[format] {
		return "", Fatalf("unsupported video format %q", format)
	}

	args := []string{"-y", "-i", inPath}
	if opts.Bitrate != "" {
		args = append(args, "-b:v", opts.Bitrate)
	}
	if opts.Width > 0 || opts.Height > 0 {
		args = append(args, "-vf", scaleFilter(opts.Width, opts.Height))
	}
	outPath := outBase + "." + format
	args = append(args, outPath)

	_, errb, err := v.runner.Run(ctx, v.ffmpeg, args...)
	if err != nil {
		return "", Fatalf("convert video: %v: %s", err, truncate(string(errb), 512))
	}
	return outPath, nil
}

// scaleFilter keeps aspect ratio when only one dimension is given.
// ffmpeg interprets -1 as "derive from the other side".
func scaleFilter(width, height int) string {
	w, h := "-1", "-1"
	if width > 0 {
		w = strconv.Itoa(width)
	}
	if height > 0 {
		h = strconv.Itoa(height)
	}
	return "scale=" + w + ":" + h
}
