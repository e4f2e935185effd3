// Package tokenfile persists the active user's session: the session token,
// the user id and username, and a few cached profile fields. It is a leaf
// package shared by config and remote.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts session files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the session directory.
const DirPerms = 0o700

// ErrNoSession is returned by Require when no session file exists.
var ErrNoSession = errors.New("tokenfile: no active session")

// Session is the on-disk format of a session file.
type Session struct {
	Token    *oauth2.Token     `json:"token"`
	UserID   string            `json:"user_id"`
	Username string            `json:"username,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Load reads a session file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if s.Token == nil || s.Token.AccessToken == "" {
		return nil, fmt.Errorf("tokenfile: %s has no session token (login required)", path)
	}

	if s.UserID == "" {
		return nil, fmt.Errorf("tokenfile: %s has no user id (login required)", path)
	}

	return &s, nil
}

// Require is Load that treats a missing file as ErrNoSession.
func Require(path string) (*Session, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}

	if s == nil {
		return nil, ErrNoSession
	}

	return s, nil
}

// Save writes the session atomically (temp file + rename) with 0600
// permissions. Token values are never logged.
func Save(path string, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeSynced(tmp, data); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	committed = true

	return nil
}

func writeSynced(f *os.File, data []byte) error {
	if err := f.Chmod(FilePerms); err != nil {
		f.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	return nil
}

// MergeMeta loads the session, overlays meta on its cached fields and saves.
func MergeMeta(path string, meta map[string]string) error {
	s, err := Require(path)
	if err != nil {
		return err
	}

	if s.Meta == nil {
		s.Meta = make(map[string]string, len(meta))
	}

	maps.Copy(s.Meta, meta)

	return Save(path, s)
}

// Remove deletes the session file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
