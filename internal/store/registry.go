package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"onemeter/internal/provision"
)

// FileName is the registry file inside the data directory.
const FileName = "registry.yaml"

// Registry persists provisioned meters and delivered notices.
type Registry struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Meters    []MeterInfo  `yaml:"meters"`
	Notices   []NoticeInfo `yaml:"notices"`
}

// MeterInfo is a registered utility meter.
type MeterInfo struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Source      string    `json:"source" yaml:"source"`
	Cycle       string    `json:"cycle" yaml:"cycle"`
	UniqueID    string    `json:"unique_id" yaml:"unique_id"`
	DeltaValues bool      `json:"delta_values" yaml:"delta_values"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// NoticeInfo is a notice shown to the user.
type NoticeInfo struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Message     string    `json:"message" yaml:"message"`
	DeliveredAt time.Time `json:"delivered_at" yaml:"delivered_at"`
}

// Meter returns the meter with id, if registered.
func (r *Registry) Meter(id string) (MeterInfo, bool) {
	for _, m := range r.Meters {
		if m.ID == id {
			return m, true
		}
	}
	return MeterInfo{}, false
}

// Notice returns the notice with id, if delivered.
func (r *Registry) Notice(id string) (NoticeInfo, bool) {
	for _, n := range r.Notices {
		if n.ID == id {
			return n, true
		}
	}
	return NoticeInfo{}, false
}

// LoadRegistry loads the registry from disk. If the file is missing, returns an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{}, nil
		}
		return nil, err
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &reg, nil
}

// SaveRegistry writes the registry to disk.
func SaveRegistry(path string, reg *Registry) error {
	if reg == nil {
		return nil
	}
	reg.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// FileRegistry is a provision.Registry and provision.Notifier backed by a
// YAML file. Every change is written through.
type FileRegistry struct {
	mu   sync.Mutex
	path string
}

var (
	_ provision.Registry = (*FileRegistry)(nil)
	_ provision.Notifier = (*FileRegistry)(nil)
)

// Open returns a FileRegistry for {dataDir}/registry.yaml.
func Open(dataDir string) *FileRegistry {
	return &FileRegistry{path: filepath.Join(dataDir, FileName)}
}

// Path is the backing file.
func (f *FileRegistry) Path() string { return f.path }

// Snapshot loads the current registry contents.
func (f *FileRegistry) Snapshot() (*Registry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return LoadRegistry(f.path)
}

func (f *FileRegistry) Lookup(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	reg, err := LoadRegistry(f.path)
	if err != nil {
		return false, err
	}
	_, ok := reg.Meter(id)
	return ok, nil
}

// Register adds req. Registering an id twice is a permanent error.
func (f *FileRegistry) Register(ctx context.Context, req provision.MeterRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	reg, err := LoadRegistry(f.path)
	if err != nil {
		return err
	}
	if _, ok := reg.Meter(req.ID); ok {
		return fmt.Errorf("%w: %s already registered", provision.ErrPermanent, req.ID)
	}
	reg.Meters = append(reg.Meters, MeterInfo{
		ID:          req.ID,
		Name:        req.Name,
		Source:      req.Source,
		Cycle:       req.Cycle,
		UniqueID:    req.UniqueID,
		DeltaValues: req.DeltaValues,
		CreatedAt:   time.Now().UTC(),
	})
	return SaveRegistry(f.path, reg)
}

// Notify records n. A notice id already delivered is not repeated.
func (f *FileRegistry) Notify(ctx context.Context, n provision.Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	reg, err := LoadRegistry(f.path)
	if err != nil {
		return err
	}
	if _, ok := reg.Notice(n.ID); ok {
		return nil
	}
	reg.Notices = append(reg.Notices, NoticeInfo{
		ID:          n.ID,
		Title:       n.Title,
		Message:     n.Message,
		DeliveredAt: time.Now().UTC(),
	})
	return SaveRegistry(f.path, reg)
}
