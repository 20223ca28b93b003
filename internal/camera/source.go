package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-gate/internal/faceapi"
	"github.com/kozaktomas/face-gate/internal/users"
)

// FrameSource produces frames for a camera.
type FrameSource interface {
	// Probe checks that the source can deliver frames at all.
	Probe(ctx context.Context) error
	// Poll returns the current frame. Seq and CameraID are filled in by the poller.
	Poll(ctx context.Context) (*Frame, error)
	Close() error
}

// OpenSource picks a source implementation: http(s) URLs are snapshot
// endpoints, anything else is a directory of images.
func OpenSource(location string, timeout time.Duration) (FrameSource, error) {
	if location == "" {
		return nil, errors.New("empty camera source")
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewSnapshotSource(location, timeout), nil
	}
	return NewDirectorySource(location), nil
}

// SnapshotSource fetches JPEG or PNG snapshots from an IP camera.
type SnapshotSource struct {
	url    string
	client *http.Client
}

// NewSnapshotSource creates a snapshot source for url.
func NewSnapshotSource(url string, timeout time.Duration) *SnapshotSource {
	return &SnapshotSource{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *SnapshotSource) Probe(ctx context.Context) error {
	_, err := s.Poll(ctx)
	return err
}

func (s *SnapshotSource) Poll(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := s.client.Do(req) //nolint:gosec // camera URL comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("could not fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read snapshot: %w", err)
	}
	return newFrame(data)
}

func (s *SnapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// DirectorySource replays image files from a directory in name order, looping
// at the end. It stands in for a camera on a bench.
type DirectorySource struct {
	dir string

	mu   sync.Mutex
	next int
}

// NewDirectorySource creates a source reading images from dir.
func NewDirectorySource(dir string) *DirectorySource {
	return &DirectorySource{dir: dir}
}

func (s *DirectorySource) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && users.IsEnrollmentImage(e.Name()) {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

func (s *DirectorySource) Probe(context.Context) error {
	files, err := s.files()
	if err != nil {
		return fmt.Errorf("could not list camera directory: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no images in %s", s.dir)
	}
	return nil
}

func (s *DirectorySource) Poll(context.Context) (*Frame, error) {
	files, err := s.files()
	if err != nil {
		return nil, fmt.Errorf("could not list camera directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", s.dir)
	}

	s.mu.Lock()
	path := files[s.next%len(files)]
	s.next = (s.next + 1) % len(files)
	s.mu.Unlock()

	data, err := os.ReadFile(path) //nolint:gosec // directory comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	return newFrame(data)
}

func (s *DirectorySource) Close() error { return nil }

func newFrame(data []byte) (*Frame, error) {
	width, height, err := faceapi.DecodeSize(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Data: data, Width: width, Height: height, CapturedAt: time.Now()}, nil
}
