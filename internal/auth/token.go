package auth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/sync/remote"
)

// StaticToken returns a source that always yields token.
func StaticToken(token string) remote.TokenSource {
	return remote.TokenFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// FileToken reads a bearer token from a file and reloads it when the file changes.
// Hosts rotate credentials by rewriting the file.
type FileToken struct {
	path    string
	log     *logging.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	token   string
	loadErr error
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileToken loads the token at path.
func NewFileToken(path string, logger *logging.Logger) (*FileToken, error) {
	if logger == nil {
		logger = logging.Get()
	}
	ft := &FileToken{path: filepath.Clean(path), log: logger.With(logging.Fields{"component": "auth"})}
	if err := ft.reload(); err != nil {
		return nil, err
	}
	return ft, nil
}

// Token returns the most recently loaded token.
func (ft *FileToken) Token(ctx context.Context) (string, error) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	if ft.loadErr != nil {
		return "", ft.loadErr
	}
	return ft.token, nil
}

// Start watches the token file's directory for changes.
func (ft *FileToken) Start() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.running {
		return errs.New(errs.ErrInvalid, "token watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "failed to create token watcher", err)
	}
	// Editors and secret managers often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(ft.path)); err != nil {
		watcher.Close()
		return errs.Wrap(errs.ErrInternal, "failed to watch token directory", err)
	}

	ft.watcher = watcher
	ft.done = make(chan struct{})
	ft.running = true
	ft.wg.Add(1)
	go ft.processEvents(watcher, ft.done)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (ft *FileToken) Stop() error {
	ft.mu.Lock()
	if !ft.running {
		ft.mu.Unlock()
		return nil
	}
	ft.running = false
	close(ft.done)
	watcher := ft.watcher
	ft.mu.Unlock()

	err := watcher.Close()
	ft.wg.Wait()
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "failed to close token watcher", err)
	}
	return nil
}

func (ft *FileToken) processEvents(watcher *fsnotify.Watcher, done <-chan struct{}) {
	defer ft.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != ft.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if err := ft.reload(); err != nil {
					ft.log.Warn("Failed to reload token file", logging.Fields{"path": ft.path, "error": err.Error()})
				} else {
					ft.log.Info("Token file reloaded", logging.Fields{"path": ft.path})
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ft.log.Warn("Token watcher error", logging.Fields{"error": err.Error()})
		}
	}
}

// reload reads the file. A missing or empty file makes Token fail until it is rewritten.
func (ft *FileToken) reload() error {
	data, err := os.ReadFile(ft.path)
	var token string
	if err == nil {
		token = strings.TrimSpace(string(data))
		if token == "" {
			err = errs.Newf(errs.ErrSyncAuthFailed, "token file %s is empty", ft.path)
		}
	} else {
		err = errs.Wrap(errs.ErrSyncAuthFailed, "failed to read token file", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if err != nil {
		ft.loadErr = err
		return err
	}
	ft.token = token
	ft.loadErr = nil
	return nil
}

var (
	_ remote.TokenSource = (*FileToken)(nil)
	_ remote.TokenSource = (*IssuedToken)(nil)
)
