package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/undoable-org/undoable/internal/fileutil"
)

// pidInfo is the daemon.pid.json document: enough for stop and status to
// find and verify the process.
type pidInfo struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

func writePIDFile(path string, info pidInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pid file: %w", err)
	}
	return fileutil.WriteFileAtomic(path, append(data, '\n'), 0600)
}

func readPIDFile(path string) (pidInfo, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return pidInfo{}, err
	}
	var info pidInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return pidInfo{}, fmt.Errorf("failed to parse pid file %s: %w", path, err)
	}
	return info, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
