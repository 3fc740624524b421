package recording

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// StreamProber checks whether a source answers
type StreamProber interface {
	Probe(ctx context.Context, sourceURL string) error
}

// SourceProber answers rtsp sources with an RTSP DESCRIBE and anything else
// with an ffprobe metadata read. Neither pulls media.
type SourceProber struct {
	FFprobePath string
	Timeout     time.Duration
}

// Probe returns nil when the source is reachable within the timeout
func (p SourceProber) Probe(ctx context.Context, sourceURL string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lower := strings.ToLower(sourceURL)
	if strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://") {
		return describeRTSP(ctx, sourceURL, timeout)
	}
	return p.ffprobe(ctx, sourceURL)
}

func describeRTSP(ctx context.Context, sourceURL string, timeout time.Duration) error {
	u, err := base.ParseURL(sourceURL)
	if err != nil {
		return fmt.Errorf("invalid rtsp url: %w", err)
	}

	client := &gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	done := make(chan error, 1)
	go func() {
		if err := client.Start(u.Scheme, u.Host); err != nil {
			done <- err
			return
		}
		defer client.Close()
		_, _, err := client.Describe(u)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("rtsp describe failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rtsp describe: %w", ctx.Err())
	}
}

func (p SourceProber) ffprobe(ctx context.Context, sourceURL string) error {
	path := p.FFprobePath
	if path == "" {
		path = "ffprobe"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path,
		"-v", "error",
		"-show_entries", "format=format_name",
		"-of", "default=noprint_wrappers=1",
		sourceURL,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffprobe: %w", ctx.Err())
		}
		return fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
