package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/kingrea/cascade/internal/fsutil"
	"github.com/kingrea/cascade/internal/release"
)

const (
	stateFileName  = "release.json"
	backupSuffix   = ".bak"
	backupDirName  = "backups"
	lockFileName   = "release.lock"
	backupPrefix   = "release-"
	backupTimeForm = "20060102T150405.000000000Z"
)

// Store persists release state under a single directory:
//
//	<dir>/release.json          active state
//	<dir>/release.json.bak      previous good state
//	<dir>/backups/release-*.json explicit snapshots
type Store struct {
	dir   string
	clock func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock injects the clock used to name backup snapshots.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns a store rooted at dir. Nothing is created until the first save.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the active state file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, stateFileName)
}

// BackupPath returns the rolling backup file.
func (s *Store) BackupPath() string {
	return s.Path() + backupSuffix
}

func (s *Store) snapshotDir() string {
	return filepath.Join(s.dir, backupDirName)
}

// LoadResult is returned by Load.
type LoadResult struct {
	State               *release.State
	RecoveredFromBackup bool
	Source              string
}

// HasActiveRelease reports whether a state file exists. The file is not parsed.
func (s *Store) HasActiveRelease() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Save atomically replaces the active state. The previous file is rotated
// into the rolling backup first when it still decodes cleanly.
func (s *Store) Save(state *release.State) error {
	if state == nil {
		return release.Newf(release.CategoryState, release.KindSaveFailed, "state is nil")
	}
	if err := state.Validate(); err != nil {
		return release.Wrap(release.CategoryState, release.KindSaveFailed, err, "refusing to save invalid state")
	}
	encoded, err := encode(state)
	if err != nil {
		return release.Wrap(release.CategoryState, release.KindSaveFailed, err, "encode state")
	}
	if previous, err := os.ReadFile(s.Path()); err == nil {
		if _, err := decode(previous); err == nil {
			if err := fsutil.WriteFileAtomic(s.BackupPath(), previous, 0o644); err != nil {
				return release.Wrap(release.CategoryState, release.KindSaveFailed, err, "rotate backup")
			}
		}
	}
	if err := fsutil.WriteFileAtomic(s.Path(), encoded, 0o644); err != nil {
		return release.Wrap(release.CategoryState, release.KindSaveFailed, err, "write %s", s.Path())
	}
	return nil
}

// Load reads the active state. A primary file that fails to parse or carries a
// different schema version is replaced by the newest readable backup and the
// result is flagged as recovered.
func (s *Store) Load() (LoadResult, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LoadResult{}, release.Newf(release.CategoryState, release.KindNotFound, "no active release (%s)", s.Path())
		}
		return LoadResult{}, release.Wrap(release.CategoryState, release.KindLoadFailed, err, "read %s", s.Path())
	}
	state, primaryErr := decode(data)
	if primaryErr == nil {
		return LoadResult{State: state, Source: s.Path()}, nil
	}
	for _, candidate := range s.backupCandidates() {
		raw, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		recovered, err := decode(raw)
		if err != nil {
			continue
		}
		return LoadResult{State: recovered, RecoveredFromBackup: true, Source: candidate}, nil
	}
	kind := release.KindCorrupted
	if errors.Is(primaryErr, release.ErrSchemaMismatch) {
		kind = release.KindSchemaMismatch
	}
	return LoadResult{}, release.Wrap(release.CategoryState, kind, primaryErr, "state file %s is unreadable and no usable backup exists", s.Path())
}

// Backup snapshots the active file into the backups directory and refreshes
// the rolling backup. It returns the snapshot path, or "" when nothing exists.
func (s *Store) Backup() (string, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", release.Wrap(release.CategoryState, release.KindLoadFailed, err, "read %s", s.Path())
	}
	name := backupPrefix + s.clock().UTC().Format(backupTimeForm) + ".json"
	target := filepath.Join(s.snapshotDir(), name)
	if err := fsutil.WriteFileAtomic(target, data, 0o644); err != nil {
		return "", release.Wrap(release.CategoryState, release.KindSaveFailed, err, "write backup %s", target)
	}
	if err := fsutil.WriteFileAtomic(s.BackupPath(), data, 0o644); err != nil {
		return "", release.Wrap(release.CategoryState, release.KindSaveFailed, err, "write backup %s", s.BackupPath())
	}
	return target, nil
}

// Cleanup removes the active state file and, when includeBackups is set, every
// backup. Missing files are not an error.
func (s *Store) Cleanup(includeBackups bool) error {
	if err := fsutil.RemoveIfExists(s.Path()); err != nil {
		return release.Wrap(release.CategoryState, release.KindSaveFailed, err, "remove %s", s.Path())
	}
	if !includeBackups {
		return nil
	}
	if err := fsutil.RemoveIfExists(s.BackupPath()); err != nil {
		return release.Wrap(release.CategoryState, release.KindSaveFailed, err, "remove %s", s.BackupPath())
	}
	if err := os.RemoveAll(s.snapshotDir()); err != nil {
		return release.Wrap(release.CategoryState, release.KindSaveFailed, err, "remove %s", s.snapshotDir())
	}
	return nil
}

// Backups lists snapshot files newest first.
func (s *Store) Backups() ([]string, error) {
	entries, err := os.ReadDir(s.snapshotDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(s.snapshotDir(), name))
	}
	return paths, nil
}

// PruneBackups removes snapshots older than age and returns how many were removed.
func (s *Store) PruneBackups(age time.Duration) (int, error) {
	paths, err := s.Backups()
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-age)
	removed := 0
	for _, path := range paths {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), backupPrefix), ".json")
		taken, err := time.Parse(backupTimeForm, stamp)
		if err != nil || !taken.Before(cutoff) {
			continue
		}
		if err := fsutil.RemoveIfExists(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Lock takes an advisory lock on the state directory so a second orchestrator
// in the same workspace fails fast. The returned func releases it.
func (s *Store) Lock() (func() error, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", s.dir, err)
	}
	lockPath := filepath.Join(s.dir, lockFileName)
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock: %w", err)
	}
	if !locked {
		return nil, release.Newf(release.CategoryState, release.KindLocked, "another cascade process holds %s", lockPath)
	}
	return fileLock.Unlock, nil
}

func (s *Store) backupCandidates() []string {
	candidates := []string{s.BackupPath()}
	snapshots, err := s.Backups()
	if err == nil {
		candidates = append(candidates, snapshots...)
	}
	return candidates
}

type schemaProbe struct {
	SchemaVersion string `json:"schema_version"`
}

func decode(data []byte) (*release.State, error) {
	var probe schemaProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, release.Wrap(release.CategoryState, release.KindCorrupted, err, "parse state")
	}
	if probe.SchemaVersion != release.SchemaVersion {
		return nil, release.Newf(release.CategoryState, release.KindSchemaMismatch, "schema version %q, want %q", probe.SchemaVersion, release.SchemaVersion)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var state release.State
	if err := dec.Decode(&state); err != nil {
		return nil, release.Wrap(release.CategoryState, release.KindCorrupted, err, "parse state")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, release.Newf(release.CategoryState, release.KindCorrupted, "trailing content after state document")
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

func encode(state *release.State) ([]byte, error) {
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(encoded, '\n'), nil
}
