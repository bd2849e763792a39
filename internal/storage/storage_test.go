package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLayout(t *testing.T) *Layout {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLayout(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	require.NoError(t, err)
	return l
}

func TestSaveUploads(t *testing.T) {
	l := newLayout(t)

	fp, err := l.SaveFloorplan("job-1", "My Plan.PNG", []byte("plan"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.UploadDir, "job-1", "floorplan.png"), fp)

	p, err := l.SavePhoto("job-1", 2, "room.jpeg", []byte("photo"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.UploadDir, "job-1", "photos", "photo_2.jpeg"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "photo", string(data))
}

func TestSaveRejectsBadID(t *testing.T) {
	l := newLayout(t)
	for _, id := range []string{"", "..", "a/b", "../x"} {
		_, err := l.SaveFloorplan(id, "a.png", nil)
		assert.ErrorIs(t, err, ErrInvalidPath, id)
	}
}

func TestExt(t *testing.T) {
	tests := map[string]string{
		"a.png":          ".png",
		"A.JPG":          ".jpg",
		"noext":          "",
		"weird.p$g":      "",
		"long.extension": "",
		"dir/x.webp":     ".webp",
		".":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Ext(in), in)
	}
}

func TestResolveOutput(t *testing.T) {
	base := filepath.Join("out", "job")

	p, err := ResolveOutput(base, "model.obj")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "model.obj"), p)

	p, err = ResolveOutput(base, "textures/floor.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "textures", "floor.png"), p)

	for _, bad := range []string{"", "..", "../secret", "/etc/passwd", "a/../../b"} {
		_, err := ResolveOutput(base, bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestRemoveJob(t *testing.T) {
	l := newLayout(t)
	_, err := l.SaveFloorplan("job-1", "a.png", []byte("x"))
	require.NoError(t, err)
	out := l.JobOutputDir("job-1")
	require.NoError(t, os.MkdirAll(out, 0o755))

	require.NoError(t, l.RemoveJob("job-1", out))
	assert.NoDirExists(t, l.JobUploadDir("job-1"))
	assert.NoDirExists(t, out)

	// 再刪一次不應出錯
	assert.NoError(t, l.RemoveJob("job-1", ""))
}

func TestCleanup(t *testing.T) {
	l := newLayout(t)
	old := time.Now().Add(-48 * time.Hour)

	for _, id := range []string{"old", "kept", "fresh"} {
		require.NoError(t, os.MkdirAll(l.JobUploadDir(id), 0o755))
		require.NoError(t, os.MkdirAll(l.JobOutputDir(id), 0o755))
	}
	for _, id := range []string{"old", "kept"} {
		require.NoError(t, os.Chtimes(l.JobUploadDir(id), old, old))
		require.NoError(t, os.Chtimes(l.JobOutputDir(id), old, old))
	}

	removed, err := l.Cleanup(time.Now().Add(-24*time.Hour), func(id string) bool { return id == "kept" })
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "old"}, removed)
	assert.NoDirExists(t, l.JobUploadDir("old"))
	assert.DirExists(t, l.JobUploadDir("kept"))
	assert.DirExists(t, l.JobOutputDir("fresh"))
}
