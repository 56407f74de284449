package runs

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/undoable-org/undoable/internal/fileutil"
)

// ErrRunNotFound is returned when a run id is unknown to the store.
var ErrRunNotFound = errors.New("run not found")

// Store abstracts run persistence. Two backends exist: memory ("off") and
// file-backed line-delimited append with periodic compaction ("file").
type Store interface {
	Save(run *Run) error
	Get(id string) (*Run, error)
	List() ([]*Run, error)
	Delete(id string) error
}

// NewMemoryStore returns the in-memory backend.
func NewMemoryStore() Store {
	return &memoryStore{runs: make(map[string]*Run)}
}

type memoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func (s *memoryStore) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memoryStore) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	cp := *run
	return &cp, nil
}

func (s *memoryStore) List() ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		out = append(out, &cp)
	}
	sortRuns(out)
	return out, nil
}

func (s *memoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	delete(s.runs, id)
	return nil
}

// compactionSlack is how many dead records may accumulate before the file
// is rewritten.
const compactionSlack = 512

// cacheSize bounds the read cache of the file store.
const cacheSize = 256

type fileRecord struct {
	Op  string `json:"op"`
	Run *Run   `json:"run,omitempty"`
	ID  string `json:"id,omitempty"`
}

type fileStore struct {
	path string

	mu      sync.Mutex
	file    *os.File
	runs    map[string]*Run
	records int
	cache   *lru.Cache[string, *Run]
}

// NewFileStore opens (or creates) the file-backed run store at path.
func NewFileStore(path string) (Store, error) {
	cache, err := lru.New[string, *Run](cacheSize)
	if err != nil {
		return nil, err
	}
	s := &fileStore{
		path:  path,
		runs:  make(map[string]*Run),
		cache: cache,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	f, err := fileutil.OpenOrCreateFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store %s: %w", path, err)
	}
	s.file = f
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path) //nolint:gosec
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open run store %s: %w", s.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Truncated trailing line from a crash; drop it.
			continue
		}
		s.records++
		switch rec.Op {
		case "save":
			if rec.Run != nil && rec.Run.ID != "" {
				s.runs[rec.Run.ID] = rec.Run
			}
		case "delete":
			delete(s.runs, rec.ID)
		}
	}
	return scanner.Err()
}

func (s *fileStore) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	if err := s.append(fileRecord{Op: "save", Run: &cp}); err != nil {
		return err
	}
	s.runs[run.ID] = &cp
	s.cache.Add(run.ID, &cp)
	return s.maybeCompact()
}

func (s *fileStore) Get(id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.cache.Get(id); ok {
		cp := *run
		return &cp, nil
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	s.cache.Add(id, run)
	cp := *run
	return &cp, nil
}

func (s *fileStore) List() ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		out = append(out, &cp)
	}
	sortRuns(out)
	return out, nil
}

func (s *fileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err := s.append(fileRecord{Op: "delete", ID: id}); err != nil {
		return err
	}
	delete(s.runs, id)
	s.cache.Remove(id)
	return s.maybeCompact()
}

// append writes one record. Caller holds s.mu.
func (s *fileStore) append(rec fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to run store: %w", err)
	}
	s.records++
	return nil
}

// maybeCompact rewrites the file once dead records pile up. Caller holds
// s.mu.
func (s *fileStore) maybeCompact() error {
	if s.records-len(s.runs) < compactionSlack {
		return nil
	}
	var buf []byte
	for _, run := range s.runs {
		data, err := json.Marshal(fileRecord{Op: "save", Run: run})
		if err != nil {
			return err
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if err := fileutil.WriteFileAtomic(s.path, buf, 0600); err != nil {
		return err
	}
	// Reopen the append handle on the new file.
	_ = s.file.Close()
	f, err := fileutil.OpenOrCreateFile(s.path)
	if err != nil {
		return err
	}
	s.file = f
	s.records = len(s.runs)
	return nil
}

func sortRuns(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
