package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client is a generic HTTP adapter for providers exposing JSON submit/poll
// endpoints. Vendor-specific payload quirks belong behind the remote gateway,
// not here.
type Client struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

func NewClient(cfg HTTPConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) url(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type keyframeResponse struct {
	ImageBase64 string `json:"image_base64"`
	Error       string `json:"error,omitempty"`
}

// Generate posts the shot context and writes the returned image to
// req.OutputPath.
func (c *Client) Generate(ctx context.Context, req KeyframeRequest) (string, error) {
	payload := map[string]any{
		"shot_id":        req.ShotID,
		"description":    req.Description,
		"action":         req.Action,
		"prompt":         req.Prompt,
		"character_refs": req.CharacterRefs,
		"scene_ref":      req.SceneRef,
	}

	var resp keyframeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/keyframes", payload, &resp); err != nil {
		return "", fmt.Errorf("keyframe generation: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("keyframe generation: %s", resp.Error)
	}

	img, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
	if err != nil {
		return "", fmt.Errorf("keyframe generation: decode image: %w", err)
	}
	if err := writeFileAtomic(req.OutputPath, bytes.NewReader(img), 0); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	img, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return "", fmt.Errorf("video submit: read keyframe: %w", err)
	}

	payload := map[string]any{
		"prompt":       req.Prompt,
		"image_base64": base64.StdEncoding.EncodeToString(img),
		"duration":     req.Duration,
		"resolution":   req.Resolution,
		"watermark":    req.Watermark,
	}
	if req.Provider != "" {
		payload["provider"] = req.Provider
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/videos", payload, &resp); err != nil {
		return "", fmt.Errorf("video submit: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("video submit: %s", resp.Error)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("video submit: provider returned no task id")
	}
	return resp.TaskID, nil
}

type pollResponse struct {
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (c *Client) Poll(ctx context.Context, remoteID string) (PollResult, error) {
	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, "/v1/videos/"+remoteID, nil, &resp); err != nil {
		return PollResult{}, err
	}

	res := PollResult{VideoURL: resp.VideoURL, Progress: resp.Progress, Message: resp.Error}
	switch resp.Status {
	case "completed", "succeeded":
		res.State = StateCompleted
	case "failed", "error":
		res.State = StateFailed
	case "processing", "running":
		res.State = StateProcessing
	default:
		res.State = StatePending
	}
	return res, nil
}

// Download streams the artifact to dest, enforcing the configured size cap
// and committing via temp-file rename so a failed download leaves nothing
// behind.
func (c *Client) Download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: status %s", resp.Status)
	}
	return writeFileAtomic(dest, resp.Body, c.cfg.MaxDownloadSize)
}

func writeFileAtomic(dest string, r io.Reader, maxSize int64) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if maxSize > 0 {
		limited := &io.LimitedReader{R: r, N: maxSize + 1}
		written, err := io.Copy(tmp, limited)
		if err != nil {
			cleanup()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		if written > maxSize {
			cleanup()
			return fmt.Errorf("artifact exceeds size limit of %d bytes", maxSize)
		}
	} else {
		if _, err := io.Copy(tmp, r); err != nil {
			cleanup()
			return fmt.Errorf("write %s: %w", dest, err)
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
