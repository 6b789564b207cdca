// Package configstore implements candidate/active editing of the flowpiped
// configuration file with commit and rollback support.
//
// Committed versions are kept next to the file as FILE.1 (most recent)
// through FILE.N, so "rollback N" survives across flowctl sessions.
package configstore

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/psaab/flowpipe/pkg/config"
)

// DefaultHistory is the number of rollback files kept.
const DefaultHistory = 10

// Store manages the candidate and active configuration.
type Store struct {
	mu        sync.RWMutex
	active    *config.ConfigTree
	candidate *config.ConfigTree
	compiled  *config.Config // compiled active config
	history   *History
	dirty     bool
	filePath  string
}

// New creates a store for filePath keeping keep rollback versions.
func New(filePath string, keep int) *Store {
	if keep <= 0 {
		keep = DefaultHistory
	}
	return &Store{
		active:   &config.ConfigTree{},
		history:  NewHistory(keep),
		filePath: filePath,
	}
}

func rollbackFile(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func readTree(path string) (*config.ConfigTree, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var mtime time.Time
	if fi, err := os.Stat(path); err == nil {
		mtime = fi.ModTime()
	}
	tree, err := config.Parse(string(data))
	if err != nil {
		return nil, mtime, fmt.Errorf("parse %s: %w", path, err)
	}
	return tree, mtime, nil
}

// Load reads the active configuration and the rollback files. A missing
// configuration file starts an empty configuration.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, _, err := readTree(s.filePath)
	switch {
	case os.IsNotExist(err):
		tree = &config.ConfigTree{}
	case err != nil:
		return err
	}
	compiled, err := config.CompileConfig(tree)
	if err != nil {
		return fmt.Errorf("compile config: %w", err)
	}
	s.active = tree
	s.compiled = compiled

	s.history = NewHistory(s.history.MaxSize())
	// Oldest first, so the most recent ends up at index 0 of Get.
	for n := s.history.MaxSize(); n >= 1; n-- {
		t, mtime, err := readTree(rollbackFile(s.filePath, n))
		if err != nil {
			continue
		}
		s.history.Push(&HistoryEntry{Config: t, Timestamp: mtime})
	}
	return nil
}

// EnterConfigure starts editing a clone of the active configuration.
func (s *Store) EnterConfigure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate = s.active.Clone()
	s.dirty = false
}

// ExitConfigure discards the candidate.
func (s *Store) ExitConfigure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate = nil
	s.dirty = false
}

func (s *Store) InConfigMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candidate != nil
}

// IsDirty reports whether the candidate was changed since it was taken.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Set applies a "set" statement to the candidate configuration.
func (s *Store) Set(path []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return fmt.Errorf("not in configuration mode")
	}
	if err := s.candidate.SetPath(path); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// Delete removes the node at path from the candidate configuration.
func (s *Store) Delete(path []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return fmt.Errorf("not in configuration mode")
	}
	if err := s.candidate.DeletePath(path); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// CommitCheck compiles the candidate without writing it.
func (s *Store) CommitCheck() (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate == nil {
		return nil, fmt.Errorf("not in configuration mode")
	}
	return config.CompileConfig(s.candidate)
}

// Commit compiles the candidate, rotates the rollback files and writes
// the candidate as the new configuration file.
func (s *Store) Commit() (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return nil, fmt.Errorf("not in configuration mode")
	}
	compiled, err := config.CompileConfig(s.candidate)
	if err != nil {
		return nil, fmt.Errorf("commit check failed: %w", err)
	}

	text := s.candidate.Format()
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	if err := s.rotate(); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("save config: %w", err)
	}

	s.history.Push(&HistoryEntry{Config: s.active, Timestamp: time.Now()})
	s.active = s.candidate
	s.candidate = s.active.Clone()
	s.compiled = compiled
	s.dirty = false
	return compiled, nil
}

// rotate shifts FILE.N-1 to FILE.N down to FILE to FILE.1. Called with
// s.mu held.
func (s *Store) rotate() error {
	keep := s.history.MaxSize()
	for n := keep - 1; n >= 1; n-- {
		err := os.Rename(rollbackFile(s.filePath, n), rollbackFile(s.filePath, n+1))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotate rollback files: %w", err)
		}
	}
	err := os.Rename(s.filePath, rollbackFile(s.filePath, 1))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate rollback files: %w", err)
	}
	return nil
}

// Rollback replaces the candidate with a previous configuration.
// n=0 reverts to active; n>0 reverts to the nth previous commit.
func (s *Store) Rollback(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return fmt.Errorf("not in configuration mode")
	}
	if n == 0 {
		s.candidate = s.active.Clone()
		s.dirty = false
		return nil
	}
	entry, err := s.history.Get(n - 1)
	if err != nil {
		return err
	}
	s.candidate = entry.Config.Clone()
	s.dirty = true
	return nil
}

// ShowCandidate returns the candidate configuration as hierarchical text.
func (s *Store) ShowCandidate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate != nil {
		return s.candidate.Format()
	}
	return ""
}

// ShowCandidateSet returns the candidate configuration as set commands.
func (s *Store) ShowCandidateSet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate != nil {
		return s.candidate.FormatSet()
	}
	return ""
}

func (s *Store) ShowActive() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Format()
}

// ActiveConfig returns the compiled active configuration.
func (s *Store) ActiveConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compiled
}

// CandidateConfig compiles the candidate, falling back to the active
// configuration when it does not compile.
func (s *Store) CandidateConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate != nil {
		if cfg, err := config.CompileConfig(s.candidate); err == nil {
			return cfg
		}
	}
	return s.compiled
}

// History lists the rollback versions, most recent first.
func (s *Store) History() []*HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.List()
}

// ShowCompare returns the difference between the active and candidate
// configurations as set commands, "-" for removed and "+" for added lines.
func (s *Store) ShowCompare() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate == nil {
		return ""
	}

	activeLines := splitLines(s.active.FormatSet())
	candidateLines := splitLines(s.candidate.FormatSet())
	activeMap := make(map[string]bool, len(activeLines))
	for _, line := range activeLines {
		activeMap[line] = true
	}
	candidateMap := make(map[string]bool, len(candidateLines))
	for _, line := range candidateLines {
		candidateMap[line] = true
	}

	var b strings.Builder
	for _, line := range activeLines {
		if !candidateMap[line] {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	for _, line := range candidateLines {
		if !activeMap[line] {
			fmt.Fprintf(&b, "+ %s\n", line)
		}
	}
	if b.Len() == 0 {
		return "[no changes]\n"
	}
	return b.String()
}

// splitLines splits a string into non-empty lines.
func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
