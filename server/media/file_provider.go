package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileProvider serves snapshots from a directory of images, cycling through
// them in name order. Only one acquisition may be held at a time.
type FileProvider struct {
	dir string

	mutex sync.Mutex
	busy  bool
}

type fileSource struct {
	mutex sync.Mutex
	files []string
	next  int
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Acquire(ctx context.Context, constraints Constraints) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.busy {
		return nil, fmt.Errorf("snapshot directory %s already in use: %w", p.dir, ErrDeviceUnavailable)
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open snapshot directory %s: %w", p.dir, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("open snapshot directory %s: %v: %w", p.dir, err, ErrDeviceUnavailable)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(p.dir, entry.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s: %w", p.dir, ErrDeviceUnavailable)
	}
	sort.Strings(files)

	p.busy = true
	return &fileSource{files: files}, nil
}

func (p *FileProvider) Release(resource Resource) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := resource.(*fileSource); !ok && resource != nil {
		return fmt.Errorf("resource not owned by file provider")
	}
	p.busy = false
	return nil
}

func (s *fileSource) Capture(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mutex.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s disappeared: %w", path, ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	return &Frame{
		Data:       data,
		MimeType:   http.DetectContentType(data),
		CapturedAt: time.Now(),
	}, nil
}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, valid := range imageExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}
