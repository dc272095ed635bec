package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/lectern-ai/platform/internal/errors"
)

// Segment is one time-bounded slice of the source media. Immutable once the
// transcriber has consumed it; the file at Path is owned by the split result.
type Segment struct {
	Index int
	Start time.Duration
	End   time.Duration
	Path  string
}

// Remove deletes the segment's temporary file. Safe to call more than once.
func (s *Segment) Remove() error {
	if s.Path == "" {
		return nil
	}
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.Path = ""
	return nil
}

// SplitRequest configures one split run.
type SplitRequest struct {
	SourcePath     string
	SegmentSeconds int
	OverlapSeconds int // shared window between adjacent segments, 0 disables
	Concurrency    int
	OnProgress     func(done, total int)
}

// SplitResult holds the ordered segments and owns their temp directory.
type SplitResult struct {
	Segments []Segment
	Duration time.Duration
	tempDir  string
}

// NewSplitResult assembles a result that owns dir. Lets splitter stand-ins
// hand callers the same ownership contract as Split.
func NewSplitResult(segments []Segment, dir string, duration time.Duration) *SplitResult {
	return &SplitResult{Segments: segments, Duration: duration, tempDir: dir}
}

// Cleanup removes the temp directory and every remaining segment file.
func (r *SplitResult) Cleanup() error {
	if r == nil || r.tempDir == "" {
		return nil
	}
	if err := os.RemoveAll(r.tempDir); err != nil {
		return err
	}
	r.tempDir = ""
	return nil
}

// commandResult is one external process outcome.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts ffmpeg/ffprobe execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Splitter probes media duration and extracts per-segment audio via ffmpeg.
type Splitter struct {
	ffprobePath string
	ffmpegPath  string
	runner      commandRunner
	mkdirTemp   func(dir, pattern string) (string, error)
}

// NewSplitter creates a splitter using ffprobe/ffmpeg from PATH.
func NewSplitter() *Splitter {
	return &Splitter{
		ffprobePath: "ffprobe",
		ffmpegPath:  "ffmpeg",
		runner:      execRunner{},
		mkdirTemp:   os.MkdirTemp,
	}
}

// Probe returns the media duration. An unparsable source maps to
// CodeUnsupportedFormat, a zero duration to CodeEmptySource.
func (s *Splitter) Probe(ctx context.Context, path string) (time.Duration, error) {
	res, err := s.runner.Run(ctx, s.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.CodeUnsupportedFormat,
			"probe failed: %s", strings.TrimSpace(res.Stderr))
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeUnsupportedFormat, "unparsable duration")
	}
	if seconds <= 0 {
		return 0, apperrors.New(apperrors.CodeEmptySource, "media has zero duration")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Split covers [0, duration) with ordered segments and extracts each one as an
// mp3 audio file into a fresh temp directory owned by the returned result.
// Extraction fans out up to req.Concurrency workers; segment indices stay
// contiguous regardless of completion order.
func (s *Splitter) Split(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	duration, err := s.Probe(ctx, req.SourcePath)
	if err != nil {
		return nil, err
	}

	step := time.Duration(req.SegmentSeconds) * time.Second
	if step <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "segment duration must be positive")
	}
	overlap := time.Duration(req.OverlapSeconds) * time.Second
	if overlap >= step {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "overlap must be shorter than segment duration")
	}

	total := int((duration + step - 1) / step)

	tempDir, err := s.mkdirTemp("", "segments-")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "create segment dir")
	}
	result := &SplitResult{Duration: duration, tempDir: tempDir}

	segments := make([]Segment, total)
	for i := 0; i < total; i++ {
		start := time.Duration(i) * step
		if i > 0 {
			start -= overlap
		}
		end := time.Duration(i+1) * step
		if end > duration {
			end = duration
		}
		segments[i] = Segment{
			Index: i,
			Start: start,
			End:   end,
			Path:  filepath.Join(tempDir, fmt.Sprintf("chunk_%03d.mp3", i+1)),
		}
	}

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	if req.Concurrency > 0 {
		g.SetLimit(req.Concurrency)
	}
	for i := range segments {
		seg := segments[i]
		g.Go(func() error {
			if err := s.extract(gctx, req.SourcePath, seg); err != nil {
				return err
			}
			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if req.OnProgress != nil {
				req.OnProgress(n, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = result.Cleanup()
		return nil, err
	}

	result.Segments = segments
	return result, nil
}

// extract writes one segment's audio track to its target path.
func (s *Splitter) extract(ctx context.Context, sourcePath string, seg Segment) error {
	res, err := s.runner.Run(ctx, s.ffmpegPath,
		"-i", sourcePath,
		"-ss", formatSeconds(seg.Start),
		"-t", formatSeconds(seg.End-seg.Start),
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "2",
		"-y",
		seg.Path,
	)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeInternal,
			"extract segment %d: %s", seg.Index, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
