package fetcher

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/jmgilman/go/exec"

	"catimage/internal/core"
	"catimage/internal/decoder"
)

const (
	// Thumbnail bound for extracted video frames.
	ThumbnailMaxWidth  = 512
	ThumbnailMaxHeight = 384
)

// VideoFetcher extracts a single frame from a local video file with ffmpeg.
type VideoFetcher struct {
	ffmpeg  string
	decoder *decoder.Decoder
}

// NewVideoFetcher creates a fetcher invoking the ffmpeg binary at path (looked up in PATH when bare).
func NewVideoFetcher(ffmpeg string, dec *decoder.Decoder) *VideoFetcher {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &VideoFetcher{ffmpeg: ffmpeg, decoder: dec}
}

// Fetch reads the frame at req.AuxID seconds from the video at path req.Key.
func (f *VideoFetcher) Fetch(ctx context.Context, req core.Request) (core.Result, error) {
	path := string(req.Key)
	if _, err := os.Stat(path); err != nil {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "video not found", err)
	}

	offset := 0
	if req.AuxID > 0 {
		offset = req.AuxID
	}

	// exec.Command resets its local settings after each run, so build one per call.
	cmd := exec.New(exec.WithContext(ctx))
	res, err := cmd.Run(f.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.Itoa(offset),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if err != nil {
		var execErr *exec.ExecError
		if errors.As(err, &execErr) && execErr.Stderr != "" {
			return core.Result{}, core.NewFetchError(req.Kind, req.Key, "ffmpeg: "+execErr.Stderr, err)
		}
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "ffmpeg failed", err)
	}
	if res.Stdout == "" {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "no frame extracted", nil)
	}

	frame, err := f.decoder.DecodeFull(req.Key, []byte(res.Stdout))
	if err != nil {
		return core.Result{}, err
	}
	return core.Result{Image: core.NewImage(decoder.Fit(frame.Image(), ThumbnailMaxWidth, ThumbnailMaxHeight))}, nil
}
