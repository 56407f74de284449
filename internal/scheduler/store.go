package scheduler

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/undoable-org/undoable/internal/fileutil"
)

// storeVersion is the persisted job store format version.
const storeVersion = 1

type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// LoadJobs reads the job store at path. A missing file yields an empty
// list. Job order in the file is preserved.
func LoadJobs(path string) ([]*Job, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job store %s: %w", path, err)
	}
	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse job store %s: %w", path, err)
	}
	if sf.Version != storeVersion {
		return nil, fmt.Errorf("unsupported job store version %d in %s", sf.Version, path)
	}
	return sf.Jobs, nil
}

// SaveJobs atomically rewrites the job store.
func SaveJobs(path string, jobs []*Job) error {
	sf := storeFile{Version: storeVersion, Jobs: jobs}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job store: %w", err)
	}
	return fileutil.WriteFileAtomic(path, append(data, '\n'), 0600)
}
