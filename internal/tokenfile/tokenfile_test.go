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

func TestLoad_FileNotFound(t *testing.T) {
	f, err := Load("/nonexistent/path/session.json")
	assert.Nil(t, f)
	assert.NoError(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	expiry := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	original := &File{
		Token: &oauth2.Token{
			AccessToken:  "access-123",
			RefreshToken: "refresh-456",
			TokenType:    "Bearer",
			Expiry:       expiry,
		},
		User: User{ID: "user-1", Email: "inspector@example.com"},
	}

	require.NoError(t, Save(path, original))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-123", f.Token.AccessToken)
	assert.Equal(t, "refresh-456", f.Token.RefreshToken)
	assert.True(t, f.Token.Expiry.Equal(expiry))
	assert.Equal(t, "user-1", f.User.ID)
	assert.Equal(t, "inspector@example.com", f.User.Email)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestLoad_MissingTokenField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user":{"id":"u"}}`), 0o600))

	f, err := Load(path)
	assert.Nil(t, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json}`), 0o600))

	f, err := Load(path)
	assert.Nil(t, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "session.json")

	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))
	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "b"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path), "removing twice is not an error")

	f, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, f)
}
