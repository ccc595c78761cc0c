//go:build no_automation

package automation

import (
	"log/slog"

	"tz01-bridge/internal/coordinator"
)

// ScriptMeta holds script metadata.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is an automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a no-op manager.
func NewManager(_ string, _ *slog.Logger) *Manager { return &Manager{} }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ *coordinator.Coordinator, _ *Manager, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(_ string) error { return nil }

// Running returns nil.
func (e *Engine) Running() []string { return nil }
