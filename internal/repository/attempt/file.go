package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/domain/notification"
)

// FileRepository persists attempts to a JSON journal file on disk.
// Every Save rewrites the journal through a temporary file and a rename, so a
// crash leaves either the old or the new journal, never a torn one.
type FileRepository struct {
	*MemoryRepository

	// path is the filesystem location of the journal.
	path string
	// mu serializes journal writes.
	mu sync.Mutex
}

// journal is the on-disk layout.
type journal struct {
	// Attempts are every known attempt, terminal ones included.
	Attempts []*notification.Attempt `json:"attempts"`
}

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
// Call Load before use to restore a previous journal.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		MemoryRepository: NewMemoryRepository(),
		path:             filepath.Clean(path),
	}
}

// Load reads the journal from disk. A missing file is a fresh start.
func (r *FileRepository) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read journal file: %w", err)
	}

	var stored journal
	if err = json.Unmarshal(contents, &stored); err != nil {
		return fmt.Errorf("decode journal file: %w", err)
	}

	for _, a := range stored.Attempts {
		if err = r.MemoryRepository.Save(ctx, a); err != nil {
			return err
		}
	}

	return nil
}

// Save stores the attempt and rewrites the journal.
func (r *FileRepository) Save(ctx context.Context, a *notification.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.MemoryRepository.Save(ctx, a); err != nil {
		return err
	}

	data, err := json.MarshalIndent(journal{Attempts: r.snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	temporary := r.path + ".tmp"
	if err = os.WriteFile(temporary, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write journal file: %w", err)
	}

	if err = os.Rename(temporary, r.path); err != nil {
		return fmt.Errorf("replace journal file: %w", err)
	}

	return nil
}
