package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider resolves the effective registry for an (org, tenant, user)
// triple. Snapshots are immutable; updates publish a new snapshot.
type Provider interface {
	Effective(ctx context.Context, orgID, tenantID, userID string) (*Snapshot, error)
}

// FSProvider loads the base document from a file and layer documents from
// a layers directory with the layout:
//
//	<layersDir>/org/<org_id>.(json|yaml|yml)
//	<layersDir>/tenant/<tenant_id>.(json|yaml|yml)
//	<layersDir>/user/<user_id>.(json|yaml|yml)
//
// Missing layer files are skipped. Effective documents are cached per
// triple until Invalidate or SetBase.
type FSProvider struct {
	path      string
	layersDir string

	mu    sync.RWMutex
	cache map[string]*Snapshot
}

// NewFSProvider creates a provider over the given base path and optional
// layers directory ("" disables layering).
func NewFSProvider(path, layersDir string) *FSProvider {
	return &FSProvider{path: path, layersDir: layersDir, cache: map[string]*Snapshot{}}
}

// Effective merges base -> org -> tenant -> user and returns the snapshot.
func (p *FSProvider) Effective(_ context.Context, orgID, tenantID, userID string) (*Snapshot, error) {
	key := orgID + "\x00" + tenantID + "\x00" + userID
	p.mu.RLock()
	if snap, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return snap, nil
	}
	p.mu.RUnlock()

	base, err := loadDocumentFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("registry: loading base %s: %w", p.path, err)
	}
	var layers []map[string]any
	if p.layersDir != "" {
		for _, l := range []struct{ scope, id string }{
			{"org", orgID}, {"tenant", tenantID}, {"user", userID},
		} {
			if l.id == "" {
				continue
			}
			layer, err := loadLayer(p.layersDir, l.scope, l.id)
			if err != nil {
				return nil, err
			}
			layers = append(layers, layer)
		}
	}
	raw := Merge(base, layers...)
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Doc: doc, Raw: raw, LoadedAt: time.Now().UTC()}

	p.mu.Lock()
	p.cache[key] = snap
	p.mu.Unlock()
	return snap, nil
}

// Base returns the unmerged base document.
func (p *FSProvider) Base() (map[string]any, error) {
	return loadDocumentFile(p.path)
}

// SetBase validates and replaces the base document, then drops all cached
// snapshots so subsequent lookups see the new base.
func (p *FSProvider) SetBase(raw map[string]any) error {
	if _, err := ParseDocument(raw); err != nil {
		return err
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encoding base: %w", err)
	}
	if err := os.WriteFile(p.path, b, 0o644); err != nil {
		return fmt.Errorf("registry: writing base: %w", err)
	}
	p.Invalidate()
	return nil
}

// Invalidate drops all cached snapshots.
func (p *FSProvider) Invalidate() {
	p.mu.Lock()
	p.cache = map[string]*Snapshot{}
	p.mu.Unlock()
}

func loadLayer(dir, scope, id string) (map[string]any, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(dir, scope, id+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		doc, err := loadDocumentFile(path)
		if err != nil {
			return nil, fmt.Errorf("registry: loading layer %s: %w", path, err)
		}
		return doc, nil
	}
	return nil, nil
}

func loadDocumentFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// StaticProvider serves one fixed document for every triple. Test and
// dev backend.
type StaticProvider struct {
	snap *Snapshot
}

// NewStaticProvider wraps a typed document into a provider.
func NewStaticProvider(doc *Document) *StaticProvider {
	return &StaticProvider{snap: &Snapshot{Doc: doc, LoadedAt: time.Now().UTC()}}
}

// Effective returns the fixed snapshot.
func (p *StaticProvider) Effective(context.Context, string, string, string) (*Snapshot, error) {
	return p.snap, nil
}
