package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// File is the on-disk servers document.
type File struct {
	Servers []*ServerConfig `yaml:"servers" json:"servers"`
}

// ParseFile decodes and validates a servers document.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode servers file: %w", err)
	}
	if _, err := index(f.Servers); err != nil {
		return nil, err
	}
	return &f, nil
}

// Schema returns the JSON Schema of the servers document.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(File))
	s.Title = "MCP gateway servers file"
	return json.MarshalIndent(s, "", "  ")
}

// FileResolver serves servers from a YAML file and reloads it when it
// changes on disk. A file that fails to parse leaves the previous set in place.
type FileResolver struct {
	path    string
	log     *slog.Logger
	servers atomic.Pointer[map[string]*ServerConfig]
}

// NewFileResolver loads path once. Call Watch to follow changes.
func NewFileResolver(path string, log *slog.Logger) (*FileResolver, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve servers file path: %w", err)
	}
	r := &FileResolver{path: abs, log: log}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileResolver) Resolve(ctx context.Context, workspaceID, serverID string) (*ServerConfig, error) {
	m := r.servers.Load()
	c, ok := (*m)[key(workspaceID, serverID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrServerNotFound, workspaceID, serverID)
	}
	return c.Clone(), nil
}

// Len reports the number of servers currently loaded.
func (r *FileResolver) Len() int { return len(*r.servers.Load()) }

func (r *FileResolver) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read servers file: %w", err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return err
	}
	idx, _ := index(f.Servers)
	r.servers.Store(&idx)
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that editors that replace the file are followed.
func (r *FileResolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != r.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.log.WarnContext(ctx, "config.reload.fail", slog.String("path", r.path), slog.String("err", err.Error()))
					continue
				}
				r.log.InfoContext(ctx, "config.reload.ok", slog.String("path", r.path), slog.Int("servers", r.Len()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.WarnContext(ctx, "config.watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
