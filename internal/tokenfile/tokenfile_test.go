package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testSession() *Session {
	return &Session{
		Token: &oauth2.Token{
			AccessToken: "session-123",
			TokenType:   "Kinvey",
			Expiry:      time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		UserID:   "user-1",
		Username: "alice",
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	s, err := Load("/nonexistent/path/session.json")
	assert.Nil(t, s)
	assert.NoError(t, err)
}

func TestRequire_FileNotFound(t *testing.T) {
	_, err := Require(filepath.Join(t.TempDir(), "session.json"))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	require.NoError(t, Save(path, testSession()))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "session-123", s.Token.AccessToken)
	assert.Equal(t, "Kinvey", s.Token.TokenType)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "alice", s.Username)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestLoad_MissingUserID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":{"access_token":"x"}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no user id")
}

func TestLoad_MissingToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user_id":"u"}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session token")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	require.NoError(t, Save(path, testSession()))
	require.NoError(t, Save(path, testSession()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session.json", entries[0].Name())
}

func TestMergeMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	s := testSession()
	s.Meta = map[string]string{"email": "a@example.com", "name": "Alice"}
	require.NoError(t, Save(path, s))

	require.NoError(t, MergeMeta(path, map[string]string{"name": "Alice B"}))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", loaded.Meta["email"])
	assert.Equal(t, "Alice B", loaded.Meta["name"])
	assert.Equal(t, "session-123", loaded.Token.AccessToken)
}

func TestMergeMeta_NoSession(t *testing.T) {
	err := MergeMeta(filepath.Join(t.TempDir(), "session.json"), map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, Save(path, testSession()))

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, s)
}
