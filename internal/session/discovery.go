// Package session manages per-launch session directories. Each launch gets
// its own directory holding the debug log and a manifest of the plan that
// was launched.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/dcluster/internal/hostplan"
)

// SessionsDir is the directory within the base dir that holds all sessions.
const SessionsDir = "sessions"

// ManifestFileName is the name of the manifest within a session directory.
const ManifestFileName = "plan.yaml"

// Manifest records what a session launched.
type Manifest struct {
	ID      string               `yaml:"id"`
	Created time.Time            `yaml:"created"`
	Plan    *hostplan.LaunchPlan `yaml:"plan"`
}

// Info summarizes a session for listing.
type Info struct {
	ID         string
	Created    time.Time
	Workers    int
	Hosts      []string
	IsActive   bool
	LockInfo   *Lock
	SessionDir string
}

// GetSessionsDir returns the sessions directory under baseDir.
func GetSessionsDir(baseDir string) string {
	return filepath.Join(baseDir, SessionsDir)
}

// GetSessionDir returns the directory of session id under baseDir.
func GetSessionDir(baseDir, id string) string {
	return filepath.Join(GetSessionsDir(baseDir), id)
}

// NewID returns a sortable session id: creation time plus a random suffix.
func NewID(now time.Time) string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", now.Format("20060102-150405"), os.Getpid())
	}
	return now.Format("20060102-150405") + "-" + hex.EncodeToString(b)
}

// Create makes a new session directory and writes its manifest.
func Create(baseDir string, plan *hostplan.LaunchPlan) (*Manifest, string, error) {
	now := time.Now()
	m := &Manifest{ID: NewID(now), Created: now, Plan: plan}
	dir := GetSessionDir(baseDir, m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create session dir: %w", err)
	}
	if err := SaveManifest(dir, m); err != nil {
		return nil, "", err
	}
	return m, dir, nil
}

// SaveManifest writes m to dir/plan.yaml.
func SaveManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := filepath.Join(dir, ManifestFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestFileName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads dir/plan.yaml.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// List returns all readable sessions under baseDir, oldest first.
// Directories without a manifest are skipped.
func List(baseDir string) ([]*Info, error) {
	entries, err := os.ReadDir(GetSessionsDir(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []*Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := GetInfo(baseDir, entry.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, info)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Created.Before(sessions[j].Created)
	})
	return sessions, nil
}

// GetInfo summarizes one session.
func GetInfo(baseDir, id string) (*Info, error) {
	dir := GetSessionDir(baseDir, id)
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	info := &Info{ID: m.ID, Created: m.Created, SessionDir: dir}
	if info.ID == "" {
		info.ID = id
	}
	if m.Plan != nil {
		info.Workers = len(m.Plan.Workers)
		info.Hosts = m.Plan.Hosts()
	}
	info.LockInfo, info.IsActive = IsLocked(dir)
	return info, nil
}

// Latest returns the most recently created session, or nil when there is
// none.
func Latest(baseDir string) (*Info, error) {
	sessions, err := List(baseDir)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[len(sessions)-1], nil
}

// Exists reports whether session id has a manifest.
func Exists(baseDir, id string) bool {
	_, err := os.Stat(filepath.Join(GetSessionDir(baseDir, id), ManifestFileName))
	return err == nil
}

// CleanupStaleLocks removes stale locks from every session and returns the
// ids it cleaned.
func CleanupStaleLocks(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(GetSessionsDir(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cleaned []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ok, err := CleanStaleLock(GetSessionDir(baseDir, entry.Name()))
		if err != nil {
			continue
		}
		if ok {
			cleaned = append(cleaned, entry.Name())
		}
	}
	return cleaned, nil
}

// Remove deletes the directory of session id. A session held by a live
// launch is refused with ErrSessionLocked.
func Remove(baseDir, id string) error {
	dir := GetSessionDir(baseDir, id)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	if _, alive := IsLocked(dir); alive {
		return fmt.Errorf("%s: %w", id, ErrSessionLocked)
	}
	return os.RemoveAll(dir)
}
