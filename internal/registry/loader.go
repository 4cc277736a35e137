package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"inferq/pkg/types"
)

// ErrModelNotFound is returned by Catalog.Resolve for unknown ids.
var ErrModelNotFound = errors.New("model not found")

// LoadDir scans a directory for *.gguf files and builds a model list from filenames.
// ID is the full filename (including extension); Path is the absolute file path.
// The quantization tag is taken from the last dot-separated name segment when it
// looks like one (e.g. Q4_K_M).
func LoadDir(dir string) ([]types.Model, error) {
	base, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, types.Model{
			ID:    name,
			Name:  strings.TrimSuffix(name, filepath.Ext(name)),
			Path:  filepath.Join(abs, name),
			Quant: quantTag(name),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func quantTag(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndexAny(stem, ".-")
	if i < 0 {
		return ""
	}
	tag := stem[i+1:]
	if len(tag) > 1 && (tag[0] == 'Q' || tag[0] == 'q' || strings.EqualFold(tag, "f16") || strings.EqualFold(tag, "f32")) {
		return strings.ToUpper(tag)
	}
	return ""
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// Catalog maps model ids to models. An empty id resolves to the default model.
type Catalog struct {
	mu       sync.RWMutex
	byID     map[string]types.Model
	order    []string
	fallback string
}

// NewCatalog indexes models. defaultID may be empty, in which case the first
// model (by id) is the default.
func NewCatalog(models []types.Model, defaultID string) *Catalog {
	c := &Catalog{}
	c.Replace(models, defaultID)
	return c
}

// Replace swaps the catalog contents, e.g. after a directory rescan.
func (c *Catalog) Replace(models []types.Model, defaultID string) {
	byID := make(map[string]types.Model, len(models))
	order := make([]string, 0, len(models))
	for _, m := range models {
		if _, dup := byID[m.ID]; !dup {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	sort.Strings(order)
	if defaultID == "" && len(order) > 0 {
		defaultID = order[0]
	}
	c.mu.Lock()
	c.byID, c.order, c.fallback = byID, order, defaultID
	c.mu.Unlock()
}

// Resolve returns the model for id, or the default model when id is empty.
func (c *Catalog) Resolve(id string) (types.Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" {
		id = c.fallback
	}
	if m, ok := c.byID[id]; ok {
		return m, nil
	}
	if id == "" {
		return types.Model{}, fmt.Errorf("%w: no default model configured", ErrModelNotFound)
	}
	return types.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
}

// List returns the models sorted by id.
func (c *Catalog) List() []types.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Default returns the id an empty model name resolves to.
func (c *Catalog) Default() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}
