package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/store"
)

//go:embed templates.yaml
var defaultTemplatesYAML []byte

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

type templateFile struct {
	Templates []models.PromptTemplate `yaml:"templates"`
}

type fileKey struct {
	key            string
	implementation string
}

// FileSource serves templates from a YAML document held in memory. When
// backed by a path it can watch the file and reload on change.
type FileSource struct {
	path string

	mu       sync.RWMutex
	versions map[fileKey]map[int]string
	loadedAt time.Time
}

// DefaultTemplates returns the templates compiled into the binary.
func DefaultTemplates() ([]models.PromptTemplate, error) {
	return parseTemplates(defaultTemplatesYAML)
}

// NewDefaultSource serves the embedded template set.
func NewDefaultSource() *FileSource {
	f := &FileSource{}
	if err := f.load(defaultTemplatesYAML); err != nil {
		// templates.yaml is covered by tests; a failure here is a build defect
		panic(fmt.Sprintf("embedded templates.yaml: %v", err))
	}
	return f
}

// NewFileSource loads templates from a YAML file.
func NewFileSource(path string) (*FileSource, error) {
	f := &FileSource{path: filepath.Clean(path)}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func parseTemplates(data []byte) ([]models.PromptTemplate, error) {
	var doc templateFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	for i, t := range doc.Templates {
		if t.Key == "" || t.Version < 1 {
			return nil, fmt.Errorf("template %d: key and a positive version are required", i)
		}
		if t.Implementation == "" {
			doc.Templates[i].Implementation = DefaultImplementation
		}
	}
	return doc.Templates, nil
}

func (f *FileSource) load(data []byte) error {
	templates, err := parseTemplates(data)
	if err != nil {
		return err
	}
	versions := make(map[fileKey]map[int]string)
	for _, t := range templates {
		k := fileKey{t.Key, t.Implementation}
		if versions[k] == nil {
			versions[k] = make(map[int]string)
		}
		versions[k][t.Version] = t.Body
	}
	f.mu.Lock()
	f.versions = versions
	f.loadedAt = time.Now()
	f.mu.Unlock()
	return nil
}

// Reload re-reads the backing file. The previous set stays active on error.
func (f *FileSource) Reload() error {
	if f.path == "" {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read templates file: %w", err)
	}
	if err := f.load(data); err != nil {
		return err
	}
	slog.Debug("Prompts.FileSource: templates loaded", "path", f.path)
	return nil
}

// Templates lists every loaded template.
func (f *FileSource) Templates() []models.PromptTemplate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []models.PromptTemplate
	for k, vs := range f.versions {
		for v, body := range vs {
			out = append(out, models.PromptTemplate{Key: k.key, Version: v, Implementation: k.implementation, Body: body, UpdatedAt: f.loadedAt})
		}
	}
	return out
}

func (f *FileSource) Get(ctx context.Context, key string, version int, implementation string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	vs := f.versions[fileKey{key, implementation}]
	if len(vs) == 0 {
		return "", store.ErrTemplateNotFound
	}
	if version <= 0 {
		for v := range vs {
			if v > version {
				version = v
			}
		}
	}
	body, ok := vs[version]
	if !ok {
		return "", store.ErrTemplateNotFound
	}
	return body, nil
}

// Watch reloads the file whenever it changes, until ctx is cancelled. The
// parent directory is watched so that editors replacing the file are seen.
func (f *FileSource) Watch(ctx context.Context) error {
	if f.path == "" {
		return fmt.Errorf("file source has no backing path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	slog.Info("Prompts.FileSource: watching templates file", "path", f.path)

	ticker := time.NewTicker(reloadDebounce / 2)
	defer ticker.Stop()
	var pending time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Prompts.FileSource: watcher error", "error", err)
		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < reloadDebounce {
				continue
			}
			pending = time.Time{}
			if err := f.Reload(); err != nil {
				slog.Warn("Prompts.FileSource: reload failed, keeping previous templates", "path", f.path, "error", err)
				continue
			}
			slog.Info("Prompts.FileSource: templates reloaded", "path", f.path)
		}
	}
}
