package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileRemote keeps the shared document in a JSON file, e.g. inside a
// synced folder.
type FileRemote struct {
	path   string
	logger *log.Logger
}

func NewFileRemote(path string, logger *log.Logger) *FileRemote {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &FileRemote{path: filepath.Clean(path), logger: logger}
}

func (r *FileRemote) Path() string { return r.path }

func (r *FileRemote) Get(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", r.path, err)
	}
	return &doc, nil
}

// Set writes the document atomically through a temp file and rename.
func (r *FileRemote) Set(ctx context.Context, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".doflow-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// Watch reports writes to the document file. The directory is watched so
// the atomic rename of another writer is seen.
func (r *FileRemote) Watch(ctx context.Context) (<-chan struct{}, error) {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	out := make(chan struct{}, 1)
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
				if filepath.Clean(event.Name) != r.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Printf("watch %s: %v", r.path, err)
			}
		}
	}()
	return out, nil
}
