package recording

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// SegmentDuration is the nominal length of one capture segment
const SegmentDuration = 60 * time.Second

var segmentNameRe = regexp.MustCompile(`^seg_(\d{8})_(\d{6})\.([A-Za-z0-9]+)$`)

// ParseSegmentName extracts the UTC start time and extension from a segment
// file name of the form seg_YYYYMMDD_HHMMSS.ext
func ParseSegmentName(name string) (time.Time, string, error) {
	m := segmentNameRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, "", fmt.Errorf("invalid segment filename format: %s", name)
	}
	start, err := time.ParseInLocation("20060102_150405", m[1]+"_"+m[2], time.UTC)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("failed to parse timestamp in %s: %w", name, err)
	}
	return start, m[3], nil
}

// IsSegmentFile reports whether the base name of path is a capture segment
func IsSegmentFile(path string) bool {
	return segmentNameRe.MatchString(filepath.Base(path))
}

// SegmentFileName returns the file name the capture process writes for a
// segment starting at t.
func SegmentFileName(t time.Time, ext string) string {
	return fmt.Sprintf("seg_%s.%s", t.UTC().Format("20060102_150405"), ext)
}

// OutputTemplate is the strftime pattern handed to ffmpeg. It expands to
// {root}/{cameraID}/YYYY/MM/DD/HH/seg_YYYYMMDD_HHMMSS.ext
func OutputTemplate(root, cameraID, ext string) string {
	return filepath.Join(root, cameraID, "%Y", "%m", "%d", "%H", "seg_%Y%m%d_%H%M%S."+ext)
}
