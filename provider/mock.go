package provider

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"animpipe/store"
)

// Mock simulates both collaborators without any network. Remote video tasks
// advance submitted → processing → completed purely by elapsed wall time, so
// a poller exercising it sees the full lifecycle.
type Mock struct {
	SimulateDelay time.Duration

	mu    sync.Mutex
	tasks map[string]*mockTask
}

type mockTask struct {
	prompt    string
	createdAt time.Time
}

func NewMock(simulateDelay time.Duration) *Mock {
	return &Mock{
		SimulateDelay: simulateDelay,
		tasks:         make(map[string]*mockTask),
	}
}

// Generate writes a placeholder image and reports success.
func (m *Mock) Generate(ctx context.Context, req KeyframeRequest) (string, error) {
	if err := store.WriteBytes(req.OutputPath, mockPNG); err != nil {
		return "", err
	}
	log.Printf("[mock] keyframe generated for shot %s: %s", req.ShotID, req.OutputPath)
	return req.OutputPath, nil
}

func (m *Mock) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id := fmt.Sprintf("mock_%s_%04d", time.Now().Format("20060102_150405"), rand.Intn(10000))

	m.mu.Lock()
	m.tasks[id] = &mockTask{prompt: req.Prompt, createdAt: time.Now()}
	m.mu.Unlock()

	log.Printf("[mock] video task created: %s (duration=%s size=%s)", id, req.Duration, req.Resolution)
	return id, nil
}

func (m *Mock) Poll(ctx context.Context, remoteID string) (PollResult, error) {
	m.mu.Lock()
	t, ok := m.tasks[remoteID]
	m.mu.Unlock()

	if !ok {
		return PollResult{State: StateFailed, Message: "task not found"}, nil
	}

	elapsed := time.Since(t.createdAt)
	switch {
	case elapsed < m.SimulateDelay/2:
		return PollResult{State: StateProcessing, Progress: 25}, nil
	case elapsed < m.SimulateDelay:
		return PollResult{State: StateProcessing, Progress: 75}, nil
	default:
		return PollResult{
			State:    StateCompleted,
			Progress: 100,
			VideoURL: fmt.Sprintf("mock://videos/%s.mp4", remoteID),
		}, nil
	}
}

func (m *Mock) Download(ctx context.Context, url, dest string) error {
	return store.WriteBytes(dest, mockMP4)
}

// Placeholder artifact bytes; enough for files to exist and be non-empty.
var (
	mockPNG = []byte("\x89PNG\r\n\x1a\nmock-keyframe")
	mockMP4 = []byte("\x00\x00\x00\x18ftypmp42mock-video")
)
