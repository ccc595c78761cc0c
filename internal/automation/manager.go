//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// Manager reads automation scripts from a directory of .lua files.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a script manager rooted at dir. A missing directory
// holds no scripts.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}
}

// List returns every script in the directory, sorted by ID. Unreadable
// files are skipped.
func (m *Manager) List() ([]*Script, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		s, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns a single script by ID (filename stem).
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("invalid script id: %q", id)
	}
	return m.parseFile(filepath.Join(m.dir, id+".lua"))
}

// parseFile reads a .lua file. Without a metadata header the script is
// enabled and named after its file.
func (m *Manager) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSuffix(filepath.Base(path), ".lua")
	s := &Script{
		ID:       id,
		Meta:     ScriptMeta{Name: id, Enabled: true},
		FilePath: path,
	}

	code := string(data)
	first, rest, _ := strings.Cut(code, "\n")
	if strings.HasPrefix(first, "-- {") {
		meta := s.Meta
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		s.Meta = meta
		code = rest
	}
	s.LuaCode = strings.TrimLeft(code, "\n")
	return s, nil
}
