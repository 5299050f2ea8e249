package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// snapshot is the on-disk shape. Locks and the blacklist persist so a
// restart does not forgive anyone.
type snapshot struct {
	Version    int                  `json:"version"`
	Users      map[string]*user     `json:"users"`
	Links      map[string]string    `json:"links"`
	Blacklist  []string             `json:"blacklist,omitempty"`
	GroupLocks map[string]lockEntry `json:"group_locks,omitempty"`
}

const snapshotVersion = 1

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for id, u := range snap.Users {
		s.users[id] = u
	}
	for ref, canonical := range snap.Links {
		s.links[ref] = canonical
	}
	for _, id := range snap.Blacklist {
		s.blackset[id] = true
	}
	for g, le := range snap.GroupLocks {
		s.groupLocks[g] = le
	}
	return nil
}

// saveLocked writes the snapshot with swap-and-rename. Caller holds
// s.mu. Persistence failures log via the returned error but never
// corrupt the previous snapshot.
func (s *Service) saveLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{
		Version:    snapshotVersion,
		Users:      s.users,
		Links:      s.links,
		GroupLocks: s.groupLocks,
	}
	for id := range s.blackset {
		snap.Blacklist = append(snap.Blacklist, id)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
