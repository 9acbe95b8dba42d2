package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

var ErrNotFound = errors.New("not found")

type Project struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyframeInfo records the state of a generated first frame within a batch.
type KeyframeInfo struct {
	Status string `json:"status"` // generating / completed / approved / failed
	Path   string `json:"path,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// VideoInfo records one remote video generation attempt within a batch.
type VideoInfo struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Duration  string    `json:"duration"`
	Size      string    `json:"size"`
	Prompt    string    `json:"prompt,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	LocalPath string    `json:"local_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Batch is one generation round for a shot: a keyframe and the videos made
// from it.
type Batch struct {
	BatchID  string        `json:"batch_id"`
	Keyframe *KeyframeInfo `json:"keyframe,omitempty"`
	Videos   []VideoInfo   `json:"videos,omitempty"`
}

type Shot struct {
	ShotID      string   `json:"shot_id"`
	SceneID     string   `json:"scene_id,omitempty"`
	Characters  []string `json:"characters,omitempty"`
	Description string   `json:"description,omitempty"`
	Action      string   `json:"action,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Status      string   `json:"status,omitempty"`
	Batches     []Batch  `json:"batches,omitempty"`
}

// CurrentBatch returns the most recent generation batch, or nil.
func (s *Shot) CurrentBatch() *Batch {
	if len(s.Batches) == 0 {
		return nil
	}
	return &s.Batches[len(s.Batches)-1]
}

// CreateBatch appends a new empty batch and returns its id.
func (s *Shot) CreateBatch() string {
	id := shortuuid.New()[:8]
	s.Batches = append(s.Batches, Batch{BatchID: id})
	return id
}

// ProjectStore keeps each project as a directory under Root with project.json
// metadata, a shots.json file, and artifact subdirectories.
type ProjectStore struct {
	Root string

	mu sync.Mutex
}

func NewProjectStore(root string) (*ProjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create projects root %s: %w", root, err)
	}
	return &ProjectStore{Root: root}, nil
}

func (ps *ProjectStore) CreateProject(name string) (*Project, error) {
	id := shortuuid.New()[:8]
	dir := filepath.Join(ps.Root, fmt.Sprintf("%s_%s", name, id))

	for _, sub := range []string{"02_references/characters", "02_references/scenes", "03_keyframes", "04_videos"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create project structure: %w", err)
		}
	}

	p := &Project{
		ProjectID: id,
		Name:      name,
		RootPath:  dir,
		CreatedAt: time.Now(),
	}
	if err := WriteJSON(filepath.Join(dir, "project.json"), p); err != nil {
		return nil, err
	}
	if err := WriteJSON(filepath.Join(dir, "shots.json"), []Shot{}); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProject finds the project directory whose metadata matches projectID.
func (ps *ProjectStore) LoadProject(projectID string) (*Project, error) {
	entries, err := os.ReadDir(ps.Root)
	if err != nil {
		return nil, fmt.Errorf("read projects root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(ps.Root, e.Name(), "project.json")
		var p Project
		if err := ReadJSON(metaPath, &p); err != nil {
			continue
		}
		if p.ProjectID == projectID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
}

func (ps *ProjectStore) LoadShots(project *Project) ([]Shot, error) {
	var shots []Shot
	if err := ReadJSON(filepath.Join(project.RootPath, "shots.json"), &shots); err != nil {
		return nil, err
	}
	return shots, nil
}

func (ps *ProjectStore) SaveShots(project *Project, shots []Shot) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return WriteJSON(filepath.Join(project.RootPath, "shots.json"), shots)
}

// UpdateShot rewrites the matching shot in place. Re-applying the same update
// is harmless, which keeps re-attempted phases idempotent.
func (ps *ProjectStore) UpdateShot(project *Project, shot *Shot) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	path := filepath.Join(project.RootPath, "shots.json")
	var shots []Shot
	if err := ReadJSON(path, &shots); err != nil {
		return err
	}
	for i := range shots {
		if shots[i].ShotID == shot.ShotID {
			shots[i] = *shot
			return WriteJSON(path, shots)
		}
	}
	return fmt.Errorf("shot %s: %w", shot.ShotID, ErrNotFound)
}

// FindShot returns the shot with the given id.
func (ps *ProjectStore) FindShot(project *Project, shotID string) (*Shot, error) {
	shots, err := ps.LoadShots(project)
	if err != nil {
		return nil, err
	}
	for i := range shots {
		if shots[i].ShotID == shotID {
			return &shots[i], nil
		}
	}
	return nil, fmt.Errorf("shot %s: %w", shotID, ErrNotFound)
}

// KeyframePath is where a shot's keyframe image for a batch lives.
func (ps *ProjectStore) KeyframePath(project *Project, shotID, batchID string) string {
	return filepath.Join(project.RootPath, "03_keyframes", fmt.Sprintf("%s_%s.png", shotID, batchID))
}

// VideoDir is where downloaded clips for a project live.
func (ps *ProjectStore) VideoDir(project *Project) string {
	return filepath.Join(project.RootPath, "04_videos")
}

// CharacterRef returns the reference image path for a character, or "" if no
// reference has been produced yet.
func (ps *ProjectStore) CharacterRef(project *Project, characterID string) string {
	return refIfExists(filepath.Join(project.RootPath, "02_references", "characters", characterID+".png"))
}

// SceneRef returns the reference image path for a scene, or "".
func (ps *ProjectStore) SceneRef(project *Project, sceneID string) string {
	if sceneID == "" {
		return ""
	}
	return refIfExists(filepath.Join(project.RootPath, "02_references", "scenes", sceneID+".png"))
}

func refIfExists(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
