package provider

import (
	"context"
	"fmt"
	"time"
)

// RemoteState is the reported state of an asynchronous remote video task.
type RemoteState string

const (
	StatePending    RemoteState = "pending"
	StateProcessing RemoteState = "processing"
	StateCompleted  RemoteState = "completed"
	StateFailed     RemoteState = "failed"
)

// KeyframeRequest describes one first-frame generation call.
type KeyframeRequest struct {
	ShotID      string
	Description string
	Action      string
	Prompt      string
	// CharacterRefs maps character id to a reference image path.
	CharacterRefs map[string]string
	SceneRef      string
	OutputPath    string
}

// KeyframeGenerator produces a keyframe image and returns the path it was
// written to.
type KeyframeGenerator interface {
	Generate(ctx context.Context, req KeyframeRequest) (string, error)
}

// SubmitRequest describes one video generation submission.
type SubmitRequest struct {
	Prompt     string
	ImagePath  string
	Duration   string
	Resolution string
	Watermark  bool
	// Provider optionally names the upstream model/service when the remote
	// gateway fronts more than one.
	Provider string
}

type PollResult struct {
	State    RemoteState
	VideoURL string
	Progress int
	Message  string
}

// VideoGenerator is the asynchronous remote video collaborator: Submit
// returns an opaque handle, Poll observes it, Download fetches the finished
// artifact.
type VideoGenerator interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, remoteID string) (PollResult, error)
	Download(ctx context.Context, url, dest string) error
}

// Config selects and configures a provider. Exactly the section matching
// Kind must be set.
type Config struct {
	Kind string      `json:"kind"` // "mock" or "http"
	Mock *MockConfig `json:"mock,omitempty"`
	HTTP *HTTPConfig `json:"http,omitempty"`
}

type MockConfig struct {
	SimulateDelay time.Duration `json:"simulate_delay"`
}

type HTTPConfig struct {
	BaseURL         string        `json:"base_url"`
	APIKey          string        `json:"api_key"`
	Timeout         time.Duration `json:"timeout"`
	MaxDownloadSize int64         `json:"max_download_size"`
}

func (c Config) Validate() error {
	switch c.Kind {
	case "mock":
		return nil
	case "http":
		if c.HTTP == nil || c.HTTP.BaseURL == "" {
			return fmt.Errorf("http provider requires a base URL")
		}
		return nil
	default:
		return fmt.Errorf("unknown provider kind: %q", c.Kind)
	}
}

// New builds the keyframe and video collaborators for the configured kind.
func New(c Config) (KeyframeGenerator, VideoGenerator, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	switch c.Kind {
	case "mock":
		delay := 2 * time.Second
		if c.Mock != nil && c.Mock.SimulateDelay > 0 {
			delay = c.Mock.SimulateDelay
		}
		m := NewMock(delay)
		return m, m, nil
	default:
		cl := NewClient(*c.HTTP)
		return cl, cl, nil
	}
}
