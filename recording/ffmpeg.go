package recording

import (
	"fmt"
	"strings"
)

// Tuning carries per-camera capture options
type Tuning struct {
	StreamID       string   // stream the segments belong to
	Extension      string   // container of the segments, default mp4
	RTSPTransport  string   // tcp or udp, rtsp sources only
	ExtraInputArgs []string // passed before -i
}

func (t Tuning) withDefaults() Tuning {
	if t.Extension == "" {
		t.Extension = "mp4"
	}
	t.Extension = strings.TrimPrefix(t.Extension, ".")
	if t.RTSPTransport == "" {
		t.RTSPTransport = "tcp"
	}
	return t
}

// BuildCaptureArgs returns the ffmpeg arguments that copy sourceURL into
// wall-clock aligned segments written through the strftime output template.
// Codecs are never re-encoded.
func BuildCaptureArgs(sourceURL, outputTemplate string, segment int, t Tuning) []string {
	t = t.withDefaults()
	if segment <= 0 {
		segment = int(SegmentDuration.Seconds())
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "warning"}
	if strings.HasPrefix(sourceURL, "rtsp://") || strings.HasPrefix(sourceURL, "rtsps://") {
		args = append(args, "-rtsp_transport", t.RTSPTransport, "-timeout", "5000000")
	}
	args = append(args, "-fflags", "+genpts+discardcorrupt")
	args = append(args, t.ExtraInputArgs...)
	args = append(args,
		"-i", sourceURL,
		"-map", "0:v",
		"-map", "0:a?",
		"-c", "copy",
		"-f", "segment",
		"-segment_time", fmt.Sprint(segment),
		"-segment_atclocktime", "1",
		"-segment_format", segmentFormat(t.Extension),
		"-reset_timestamps", "1",
		"-avoid_negative_ts", "make_zero",
		"-strftime", "1",
		"-strftime_mkdir", "1",
	)
	if t.Extension == "mp4" {
		args = append(args, "-segment_format_options", "movflags=+faststart")
	}
	return append(args, "-y", outputTemplate)
}

func segmentFormat(ext string) string {
	switch ext {
	case "ts":
		return "mpegts"
	case "mkv":
		return "matroska"
	default:
		return ext
	}
}
