package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ProjectStore {
	t.Helper()
	ps, err := NewProjectStore(t.TempDir())
	require.NoError(t, err)
	return ps
}

func TestCreateAndLoadProject(t *testing.T) {
	ps := newTestStore(t)

	p, err := ps.CreateProject("my film")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ProjectID)
	assert.Equal(t, "my film", p.Name)

	for _, sub := range []string{"02_references/characters", "02_references/scenes", "03_keyframes", "04_videos"} {
		assert.DirExists(t, filepath.Join(p.RootPath, sub))
	}
	assert.FileExists(t, filepath.Join(p.RootPath, "project.json"))
	assert.FileExists(t, filepath.Join(p.RootPath, "shots.json"))

	loaded, err := ps.LoadProject(p.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, p.ProjectID, loaded.ProjectID)
	assert.Equal(t, p.RootPath, loaded.RootPath)

	_, err = ps.LoadProject("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShotRoundTrip(t *testing.T) {
	ps := newTestStore(t)
	p, err := ps.CreateProject("demo")
	require.NoError(t, err)

	shots := []Shot{
		{ShotID: "shot_001", SceneID: "scene_01", Characters: []string{"hero"}, Prompt: "opening"},
		{ShotID: "shot_002", Prompt: "closing"},
	}
	require.NoError(t, ps.SaveShots(p, shots))

	loaded, err := ps.LoadShots(p)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "scene_01", loaded[0].SceneID)

	shot, err := ps.FindShot(p, "shot_002")
	require.NoError(t, err)
	assert.Equal(t, "closing", shot.Prompt)

	_, err = ps.FindShot(p, "shot_999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateShot(t *testing.T) {
	ps := newTestStore(t)
	p, err := ps.CreateProject("demo")
	require.NoError(t, err)
	require.NoError(t, ps.SaveShots(p, []Shot{
		{ShotID: "shot_001"},
		{ShotID: "shot_002"},
	}))

	shot, err := ps.FindShot(p, "shot_001")
	require.NoError(t, err)
	batchID := shot.CreateBatch()
	shot.CurrentBatch().Keyframe = &KeyframeInfo{Status: "completed", Path: "/tmp/kf.png"}
	shot.Status = "frame_pending_review"
	require.NoError(t, ps.UpdateShot(p, shot))

	// Re-applying the same update changes nothing.
	require.NoError(t, ps.UpdateShot(p, shot))

	reloaded, err := ps.FindShot(p, "shot_001")
	require.NoError(t, err)
	require.Len(t, reloaded.Batches, 1)
	assert.Equal(t, batchID, reloaded.Batches[0].BatchID)
	assert.Equal(t, "completed", reloaded.Batches[0].Keyframe.Status)

	// The sibling shot is untouched.
	other, err := ps.FindShot(p, "shot_002")
	require.NoError(t, err)
	assert.Empty(t, other.Batches)

	err = ps.UpdateShot(p, &Shot{ShotID: "shot_999"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReferenceLookups(t *testing.T) {
	ps := newTestStore(t)
	p, err := ps.CreateProject("demo")
	require.NoError(t, err)

	assert.Empty(t, ps.CharacterRef(p, "hero"))
	assert.Empty(t, ps.SceneRef(p, "scene_01"))

	heroPath := filepath.Join(p.RootPath, "02_references", "characters", "hero.png")
	require.NoError(t, WriteBytes(heroPath, []byte("png")))
	assert.Equal(t, heroPath, ps.CharacterRef(p, "hero"))
}

func TestWriteBytesAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.bin")

	require.NoError(t, WriteBytes(path, []byte("one")))
	require.NoError(t, WriteBytes(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadJSONMissingFile(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
