package infra

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

// FileActivityFeed implements domain.ActivityFeed by reading a plain text
// file holding the day's cumulative step count. Pedometer exporters and the
// "steps" CLI command both write this file; the daemon watches it with
// fsnotify and resyncs the ledger on every change.
type FileActivityFeed struct {
	path   string
	logger *zap.Logger
}

// NewFileActivityFeed creates a feed over the given steps file.
func NewFileActivityFeed(path string, logger *zap.Logger) *FileActivityFeed {
	return &FileActivityFeed{path: path, logger: logger}
}

// FetchTodayTotal returns the day's cumulative count, or 0 when the file
// is absent or unparsable. An unavailable source is not an error.
func (f *FileActivityFeed) FetchTodayTotal() int {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0
	}

	count, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		f.logger.Warn("unparsable steps file", zap.String("path", f.path), zap.Error(err))
		return 0
	}
	return count
}

// Observe emits the cumulative total on every change to the steps file.
// Watches the parent directory so atomic rename-style writers are seen
// too. The channel closes when ctx is canceled.
func (f *FileActivityFeed) Observe(ctx context.Context) (<-chan int, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan int, 1)
	out <- f.FetchTodayTotal()

	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != f.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				select {
				case out <- f.FetchTodayTotal():
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("steps file watch error", zap.Error(err))
			}
		}
	}()

	return out, nil
}

// WriteTotal overwrites the steps file with the given absolute count.
// Used by the CLI; the daemon picks the change up via Observe.
func WriteTotal(path string, count int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(count)+"\n"), 0600)
}

var _ domain.ActivityFeed = (*FileActivityFeed)(nil)
