package userdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeUsers(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestOpenAndFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	writeUsers(t, path, `[{"id":1,"phonenumber":"+628111","name":"Ana"},{"id":2,"phonenumber":"+628222"}]`)

	d, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	u, err := d.FindUser(context.Background(), "+628111")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, "Ana", u.Name)

	u, err = d.FindUser(context.Background(), "+000")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestOpenRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	writeUsers(t, bad, `{"not":"an array"}`)
	_, err = Open(bad)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.json")
	writeUsers(t, dup, `[{"id":1,"phonenumber":"x"},{"id":2,"phonenumber":"x"}]`)
	_, err = Open(dup)
	assert.Error(t, err)
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	writeUsers(t, path, `[{"id":1,"phonenumber":"a"}]`)
	d, err := Open(path)
	require.NoError(t, err)

	writeUsers(t, path, `not json`)
	assert.Error(t, d.Reload())
	assert.Equal(t, 1, d.Len())
}

func TestWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	writeUsers(t, path, `[{"id":1,"phonenumber":"a"}]`)
	d, err := Open(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Watch(ctx))

	writeUsers(t, path, `[{"id":1,"phonenumber":"a"},{"id":2,"phonenumber":"b"}]`)

	require.Eventually(t, func() bool {
		u, _ := d.FindUser(ctx, "b")
		return u != nil && u.ID == 2
	}, 5*time.Second, 20*time.Millisecond)
}
