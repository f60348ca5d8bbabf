package runlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FileLock is a lock file created with O_EXCL. A lock file older than
// StaleAfter is assumed to belong to a crashed run and is taken over.
type FileLock struct {
	Path       string
	StaleAfter time.Duration
	Now        func() time.Time

	token string
}

// NewFileLock creates a file lock at path
func NewFileLock(path string, staleAfter time.Duration) *FileLock {
	return &FileLock{Path: path, StaleAfter: staleAfter, Now: time.Now}
}

// Lock implements Locker
func (l *FileLock) Lock(ctx context.Context) error {
	if dir := filepath.Dir(l.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create lock directory: %w", err)
		}
	}

	token := newToken()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%s\n%d\n%s\n", token, os.Getpid(), l.now().UTC().Format(time.RFC3339))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.Path)
				return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			l.token = token
			log.Debug().Str("path", l.Path).Msg("Acquired run lock")
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}
		if attempt > 0 || !l.stale() {
			break
		}
		log.Warn().Str("path", l.Path).Dur("stale_after", l.StaleAfter).Msg("Removing stale run lock")
		if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale lock file: %w", err)
		}
	}
	return fmt.Errorf("%w: %s", ErrLocked, l.Path)
}

func (l *FileLock) stale() bool {
	if l.StaleAfter <= 0 {
		return false
	}
	info, err := os.Stat(l.Path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	return l.now().Sub(info.ModTime()) > l.StaleAfter
}

func (l *FileLock) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Unlock implements Locker. The file is only removed if it still carries
// this lock's token.
func (l *FileLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.token = ""
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}
	if first, _, _ := strings.Cut(string(data), "\n"); first != l.token {
		l.token = ""
		return fmt.Errorf("lock file %s was taken over by another run", l.Path)
	}
	if err := os.Remove(l.Path); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	l.token = ""
	return nil
}
