package cron

import (
	"fmt"
	"log/slog"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/storage"
)

// storeVersion is the jobs.json format version.
const storeVersion = 1

// fileState is the persisted shape of jobs.json.
type fileState struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Store owns jobs.json with the shared atomic-rename discipline.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a job store persisting to path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger.With("component", "cron-store")}
}

// Load reads all jobs. A missing file yields an empty slice; an
// unreadable file is treated as empty and logged.
func (s *Store) Load() []Job {
	var state fileState
	if err := storage.LoadJSON(s.path, &state); err != nil {
		s.logger.Warn("cron store unreadable, starting empty",
			"path", s.path, "error", err)
		return nil
	}
	if state.Version != 0 && state.Version != storeVersion {
		s.logger.Warn("cron store version mismatch, starting empty",
			"path", s.path, "version", state.Version)
		return nil
	}
	return state.Jobs
}

// Save persists all jobs atomically.
func (s *Store) Save(jobs []Job) error {
	state := fileState{Version: storeVersion, Jobs: jobs}
	if err := storage.SaveJSON(s.path, &state); err != nil {
		s.logger.Error("failed to persist cron jobs", "path", s.path, "error", err)
		return fmt.Errorf("persisting cron jobs: %w", err)
	}
	return nil
}
