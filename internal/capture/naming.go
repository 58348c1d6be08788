package capture

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	dayLayout   = "20060102"
	stampLayout = "20060102_150405"
)

// SegmentPath is root/YYYYMMDD/camera/camera_YYYYMMDD_HHMMSS_WxH.ext.
func SegmentPath(root, camera string, start time.Time, resolution, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	name := fmt.Sprintf("%s_%s_%s%s", camera, start.Format(stampLayout), resolution, ext)
	return filepath.Join(root, start.Format(dayLayout), camera, name)
}

// SegmentName holds the fields embedded in a segment filename.
type SegmentName struct {
	Camera     string
	Start      time.Time
	Resolution string
	Seq        int
	Ext        string
}

// ParseSegmentName parses a name produced by SegmentPath, optionally with a
// ".N" collision suffix before the extension. Start is in loc.
func ParseSegmentName(name string, loc *time.Location) (SegmentName, error) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	var seq int
	if i := strings.LastIndexByte(stem, '.'); i >= 0 {
		n, err := strconv.Atoi(stem[i+1:])
		if err != nil {
			return SegmentName{}, fmt.Errorf("segment name %q: bad sequence", name)
		}
		seq = n
		stem = stem[:i]
	}
	parts := strings.Split(stem, "_")
	if len(parts) < 4 {
		return SegmentName{}, fmt.Errorf("segment name %q: want camera_YYYYMMDD_HHMMSS_WxH", name)
	}
	n := len(parts)
	res := parts[n-1]
	if !strings.Contains(res, "x") {
		return SegmentName{}, fmt.Errorf("segment name %q: bad resolution", name)
	}
	if loc == nil {
		loc = time.Local
	}
	start, err := time.ParseInLocation(stampLayout, parts[n-3]+"_"+parts[n-2], loc)
	if err != nil {
		return SegmentName{}, fmt.Errorf("segment name %q: %w", name, err)
	}
	camera := strings.Join(parts[:n-3], "_")
	if camera == "" {
		return SegmentName{}, fmt.Errorf("segment name %q: empty camera", name)
	}
	return SegmentName{Camera: camera, Start: start, Resolution: res, Seq: seq, Ext: ext}, nil
}

// withSeq inserts ".seq" before the extension of path.
func withSeq(path string, seq int) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + strconv.Itoa(seq) + ext
}
