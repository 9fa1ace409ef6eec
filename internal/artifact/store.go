package artifact

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	debounceInterval = 500 * time.Millisecond
	previewBytes     = 160
)

// Ref points at a spilled payload. The inline response carries this instead
// of the full content.
type Ref struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
	Preview string `json:"preview"`
}

// Stats summarizes current spill-directory usage.
type Stats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Store is the auxiliary storage for oversized command results. It watches
// its own directory so usage stats stay current even when files are removed
// externally, and prunes oldest entries past the retention cap.
type Store struct {
	dir      string
	maxFiles int

	mu    sync.RWMutex
	stats Stats

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	closeOnce sync.Once
}

// NewStore creates the spill directory if needed and starts the usage
// watcher. maxFiles <= 0 disables automatic pruning.
func NewStore(dir string, maxFiles int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return nil, err
	}

	s := &Store{
		dir:       dir,
		maxFiles:  maxFiles,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}
	s.recount()
	go s.watchLoop()
	return s, nil
}

// Put writes data to a fresh spill file and returns its reference.
func (s *Store) Put(data []byte) (Ref, error) {
	id := uuid.New().String()
	path := filepath.Join(s.dir, id+".json")

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("write spill file: %w", err)
	}

	preview := string(data)
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	return Ref{ID: id, Path: path, Size: len(data), Preview: preview}, nil
}

// Get reads a spilled payload back by id.
func (s *Store) Get(id string) ([]byte, error) {
	if strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("invalid artifact id: %s", id)
	}
	return os.ReadFile(filepath.Join(s.dir, id+".json"))
}

// Stats returns the current usage snapshot.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Prune removes the oldest spill files beyond max.
func (s *Store) Prune(max int) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	type aged struct {
		path string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{path: filepath.Join(s.dir, e.Name()), mod: info.ModTime()})
	}
	if len(files) <= max {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files[:len(files)-max] {
		if err := os.Remove(f.path); err != nil {
			log.Printf("artifact: prune %s: %v", f.path, err)
		}
	}
	s.recount()
	return nil
}

// Close stops the watcher. Spilled files are left in place.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.cancel)
		s.fsWatcher.Close()
	})
}

// watchLoop keeps stats current with debouncing and enforces retention.
func (s *Store) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-s.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case _, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				s.recount()
				if s.maxFiles > 0 && s.Stats().Files > s.maxFiles {
					s.Prune(s.maxFiles)
				}
			})

		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("artifact: watcher error: %v", err)
		}
	}
}

// recount rescans the spill directory.
func (s *Store) recount() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	var stats Stats
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.Files++
		stats.Bytes += info.Size()
	}

	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}
