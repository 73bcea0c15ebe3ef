package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileProvider serves a token persisted in a file and reloads it when the file
// changes, so a login flow can rotate the token under a running client.
type FileProvider struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	token  string
	loaded bool

	done chan struct{}
	once sync.Once
}

// NewFileProvider creates a provider for path and starts watching its directory.
// The file does not need to exist yet.
func NewFileProvider(path string, logger zerolog.Logger) (*FileProvider, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors and atomic writers replace the file rather than modify it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	p := &FileProvider{
		path:    filepath.Clean(path),
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go p.watch()
	return p, nil
}

// Token returns the cached token, reading the file on first use.
func (p *FileProvider) Token(_ context.Context) (string, error) {
	p.mu.RLock()
	token, loaded := p.token, p.loaded
	p.mu.RUnlock()

	if !loaded {
		var err error
		if token, err = p.reload(); err != nil {
			return "", err
		}
	}
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

func (p *FileProvider) reload() (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = nil, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	p.mu.Lock()
	p.token = token
	p.loaded = true
	p.mu.Unlock()
	return token, nil
}

func (p *FileProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if _, err := p.reload(); err != nil {
				p.logger.Warn().Err(err).Str("path", p.path).Msg("credential reload failed")
				continue
			}
			p.logger.Debug().Str("path", p.path).Str("op", ev.Op.String()).Msg("credential reloaded")
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn().Err(err).Msg("credential watcher error")
		}
	}
}

// Close stops watching.
func (p *FileProvider) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.watcher.Close()
	})
	return err
}
