package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrNotFound is returned when no record exists for a campaign id.
var ErrNotFound = errors.New("campaign not found")

// Store persists and loads campaign records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<campaign_id>/campaign.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) CampaignDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.CampaignDir(id), "campaign.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("campaign registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write atomically replaces the record for record.CampaignID.
func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("campaign record is nil")
	}
	id := strings.TrimSpace(record.CampaignID)
	if id == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.CampaignDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create campaign dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal campaign record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "campaign.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp campaign file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp campaign file: %w", err)
	}

	if err := os.Rename(tmpName, s.RecordPath(id)); err != nil {
		return fmt.Errorf("rename campaign file: %w", err)
	}
	return nil
}

// Get loads one record. A running record whose process is gone is reported
// (and persisted) as unknown.
func (s *Store) Get(id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("campaign_id is required")
	}
	b, err := os.ReadFile(s.RecordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("campaign.json is empty")
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse campaign.json: %w", err)
	}

	if record.State == StateRunning && record.PID > 0 && record.PID != os.Getpid() {
		if !isProcessAlive(record.PID) {
			record.State = StateUnknown
			now := time.Now().UTC()
			record.LastHeartbeat = &now
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

// Resolve finds a record by full id or by a unique id prefix.
func (s *Store) Resolve(idOrPrefix string) (*Record, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if r, err := s.Get(idOrPrefix); err == nil || !errors.Is(err, ErrNotFound) {
		return r, err
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var match *Record
	for i := range all {
		if !strings.HasPrefix(all[i].CampaignID, idOrPrefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("campaign id prefix %q is ambiguous", idOrPrefix)
		}
		match = &all[i]
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrPrefix)
	}
	return match, nil
}

// List returns every readable record, newest first.
func (s *Store) List() ([]Record, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read campaigns root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})

	return out, nil
}

func sortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
