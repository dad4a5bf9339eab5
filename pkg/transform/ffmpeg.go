package transform

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/3leaps/clipforge/pkg/job"
)

var commandContext = exec.CommandContext

// Transformer crops a local source file into a local output file.
//
// progress receives percentages in [0, 100) while work is underway; it may
// never be called when the implementation cannot measure progress.
type Transformer interface {
	Transform(ctx context.Context, inputPath, outputPath string, params job.Params, progress func(int)) error
}

// FFmpegOption configures the ffmpeg transformer.
type FFmpegOption func(*FFmpeg)

// WithBinary overrides the ffmpeg binary.
func WithBinary(binary string) FFmpegOption {
	return func(f *FFmpeg) {
		if binary != "" {
			f.binary = binary
		}
	}
}

// WithProbeBinary overrides the ffprobe binary used to size open-ended crops.
func WithProbeBinary(binary string) FFmpegOption {
	return func(f *FFmpeg) {
		if binary != "" {
			f.probeBinary = binary
		}
	}
}

// WithExtraArgs appends encoder arguments before the output path.
func WithExtraArgs(args ...string) FFmpegOption {
	return func(f *FFmpeg) {
		f.extraArgs = append(f.extraArgs, args...)
	}
}

// FFmpeg trims and crops video with the ffmpeg CLI.
type FFmpeg struct {
	binary      string
	probeBinary string
	extraArgs   []string
}

// NewFFmpeg constructs an FFmpeg transformer using defaults.
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{binary: "ffmpeg", probeBinary: "ffprobe"}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ Transformer = (*FFmpeg)(nil)

// Transform runs ffmpeg and reports progress parsed from -progress output.
//
// End <= Start means "to the end of the source".
func (f *FFmpeg) Transform(ctx context.Context, inputPath, outputPath string, params job.Params, progress func(int)) error {
	if strings.TrimSpace(inputPath) == "" {
		return errors.New("input path required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("output path required")
	}

	args, err := f.buildArgs(inputPath, outputPath, params)
	if err != nil {
		return err
	}

	duration := clipDuration(params)
	if duration <= 0 {
		if total, err := f.probeDuration(ctx, inputPath); err == nil {
			duration = total - params.Start
		}
	}

	cmd := commandContext(ctx, f.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		pct, ok := parseProgressLine(scanner.Text(), duration)
		if ok && progress != nil {
			progress(pct)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so Wait does not block on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if msg := lastLine(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("read ffmpeg progress: %w", scanErr)
	}
	return nil
}

func (f *FFmpeg) buildArgs(inputPath, outputPath string, params job.Params) ([]string, error) {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if params.Start > 0 {
		args = append(args, "-ss", formatSeconds(params.Start))
	}
	args = append(args, "-i", inputPath)
	if d := clipDuration(params); d > 0 {
		args = append(args, "-t", formatSeconds(d))
	}

	filter, err := cropFilter(params.AspectRatio)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		args = append(args, "-vf", filter)
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-movflags", "+faststart",
	)
	args = append(args, f.extraArgs...)
	args = append(args, "-progress", "pipe:1", "-nostats", outputPath)
	return args, nil
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := commandContext(ctx, f.probeBinary, "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", "--", path) //nolint:gosec
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	return v, nil
}

// cropFilter centers the largest w:h window and keeps dimensions even for
// libx264.
func cropFilter(aspect string) (string, error) {
	w, h, err := job.ParseAspectRatio(aspect)
	if err != nil {
		return "", err
	}
	if w == 0 || h == 0 {
		return "", nil
	}
	return fmt.Sprintf(`crop=w=trunc(min(iw\,ih*%d/%d)/2)*2:h=trunc(min(ih\,iw*%d/%d)/2)*2`, w, h, h, w), nil
}

func clipDuration(params job.Params) float64 {
	if params.End > params.Start {
		return params.End - params.Start
	}
	return 0
}

// parseProgressLine maps one key=value line of ffmpeg -progress output to a
// percentage. progress=end yields 100; out_time_us needs a known duration.
func parseProgressLine(line string, duration float64) (int, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	switch key {
	case "progress":
		if value == "end" {
			return 100, true
		}
	case "out_time_us", "out_time_ms":
		// ffmpeg reports microseconds under both keys.
		if duration <= 0 {
			return 0, false
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		pct := int(float64(us) / 1e6 / duration * 100)
		if pct > 99 {
			pct = 99
		}
		return pct, true
	}
	return 0, false
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
