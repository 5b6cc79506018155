// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcprouter

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// serversFile is the user-defined backends config under the state root.
const serversFile = "servers.yaml"

// userServerSpec is one entry of mcp/servers.yaml.
type userServerSpec struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// LoadUserServers reads mcp/servers.yaml; a missing file is an empty set.
func LoadUserServers(stateRoot string) (map[string]ExternalConfig, error) {
	path := filepath.Join(stateRoot, "mcp", serversFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]userServerSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]ExternalConfig, len(raw))
	for name, spec := range raw {
		out[name] = ExternalConfig{
			Name:    name,
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		}
	}
	return out, nil
}

// WatchUserServers reloads user-defined backends when servers.yaml
// changes. Backends whose names are gone from the file are removed and
// new names are started; a backend whose name is already running is kept
// as is, so edits to its command, args or env are not applied. A backend
// that fails to start is logged and skipped. Blocks until ctx is done.
func (r *Router) WatchUserServers(ctx context.Context, stateRoot string) error {
	dir := filepath.Join(stateRoot, "mcp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	// Editors write via rename; debounce bursts into one reload.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != serversFile {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("servers watcher error", "error", err)
		case <-pending:
			pending = nil
			r.reloadUserServers(ctx, stateRoot)
		}
	}
}

func (r *Router) reloadUserServers(ctx context.Context, stateRoot string) {
	configs, err := LoadUserServers(stateRoot)
	if err != nil {
		r.logger.Warn("servers.yaml unreadable, keeping current backends", "error", err)
		return
	}

	r.mu.Lock()
	var stale []string
	for name, b := range r.backends {
		if _, isExternal := b.(*ExternalBackend); !isExternal {
			continue
		}
		if _, still := configs[name]; !still {
			stale = append(stale, name)
		}
	}
	r.mu.Unlock()

	for _, name := range stale {
		r.RemoveBackend(name)
		r.logger.Info("backend removed", "backend", name)
	}

	for name, cfg := range configs {
		r.mu.Lock()
		_, exists := r.backends[name]
		r.mu.Unlock()
		if exists {
			continue
		}
		b, err := NewExternalBackend(ctx, cfg)
		if err != nil {
			r.logger.Warn("backend failed to start", "backend", name, "error", err)
			continue
		}
		r.AddBackend(ctx, b)
		r.logger.Info("backend added", "backend", name)
	}
}
