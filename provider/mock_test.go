package provider

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockKeyframeGeneration(t *testing.T) {
	m := NewMock(time.Second)
	out := filepath.Join(t.TempDir(), "shot_001_b1.png")

	path, err := m.Generate(context.Background(), KeyframeRequest{
		ShotID:     "shot_001",
		Prompt:     "a quiet street",
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, out, path)
	assert.FileExists(t, out)
}

func TestMockVideoLifecycle(t *testing.T) {
	m := NewMock(60 * time.Millisecond)
	ctx := context.Background()

	id, err := m.Submit(ctx, SubmitRequest{Prompt: "pan left", Duration: "4s", Resolution: "720p"})
	require.NoError(t, err)
	assert.Contains(t, id, "mock_")

	res, err := m.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, res.State)

	require.Eventually(t, func() bool {
		res, err = m.Poll(ctx, id)
		return err == nil && res.State == StateCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "mock://videos/"+id+".mp4", res.VideoURL)

	dest := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, m.Download(ctx, res.VideoURL, dest))
	assert.FileExists(t, dest)
}

func TestMockPollUnknownTask(t *testing.T) {
	m := NewMock(time.Second)
	res, err := m.Poll(context.Background(), "mock_never_submitted")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Kind: "mock"}.Validate())
	assert.Error(t, Config{Kind: "http"}.Validate())
	assert.NoError(t, Config{Kind: "http", HTTP: &HTTPConfig{BaseURL: "https://gen.example.com"}}.Validate())
	assert.Error(t, Config{Kind: "carrier-pigeon"}.Validate())
}

func TestNewSelectsProvider(t *testing.T) {
	kf, vg, err := New(Config{Kind: "mock", Mock: &MockConfig{SimulateDelay: time.Millisecond}})
	require.NoError(t, err)
	assert.Same(t, kf, vg)

	_, _, err = New(Config{Kind: "unknown"})
	assert.Error(t, err)
}
