package checkpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrMalformed means the stored value is not a positive integer. Callers
	// treat it like a missing checkpoint.
	ErrMalformed = errors.New("malformed checkpoint")
	ErrInvalid   = errors.New("checkpoint must be a positive epoch timestamp")
)

// Store persists the end time of the last fully successful run.
type Store interface {
	// Load returns ok=false when there is no usable checkpoint.
	Load(ctx context.Context) (ts int64, ok bool, err error)
	Save(ctx context.Context, ts int64) error
	Clear(ctx context.Context) error
}

// FileStore keeps the checkpoint as a single integer in a text file.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (int64, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading checkpoint %s: %w", s.path, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return 0, false, fmt.Errorf("%w: %s is empty", ErrMalformed, s.path)
	}

	ts, err := Parse(line)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", s.path, err)
	}
	return ts, true, nil
}

// Save replaces the checkpoint through a temp file and rename, so readers see
// either the old or the new value.
func (s *FileStore) Save(_ context.Context, ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalid, ts)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(strconv.FormatInt(ts, 10)); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint. A missing file is not an error.
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Parse validates a stored checkpoint value.
func Parse(raw string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, strings.TrimSpace(raw))
	}
	if ts <= 0 {
		return 0, fmt.Errorf("%w: %d is not positive", ErrMalformed, ts)
	}
	return ts, nil
}
