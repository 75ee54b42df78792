package session

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/banshee-data/violation.report/internal/vision"
)

// DirEvidenceSink stores evidence snapshots as JPEG files in a directory.
// File names carry the track ID, frame index and a short random suffix so
// two violations on the same frame never collide.
type DirEvidenceSink struct {
	Dir     string
	Quality int // JPEG quality; zero means jpeg.DefaultQuality
}

// NewDirEvidenceSink creates the directory if needed.
func NewDirEvidenceSink(dir string) (*DirEvidenceSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &DirEvidenceSink{Dir: dir}, nil
}

// CaptureEvidence writes the frame to disk and returns the stored path.
func (s *DirEvidenceSink) CaptureEvidence(frame image.Image, trackID int64, frameIdx int, vt vision.ViolationType, bbox vision.BBox) (string, error) {
	if frame == nil {
		return "", fmt.Errorf("no frame buffer for evidence capture")
	}

	name := fmt.Sprintf("violation_%d_%d_%s.jpg", trackID, frameIdx, uuid.NewString()[:6])
	path := filepath.Join(s.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create evidence file: %w", err)
	}
	defer f.Close()

	quality := s.Quality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(f, frame, &jpeg.Options{Quality: quality}); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("encode evidence jpeg: %w", err)
	}
	return path, nil
}
