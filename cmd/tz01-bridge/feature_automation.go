//go:build !no_automation

package main

import (
	"log/slog"

	"tz01-bridge/internal/automation"
	"tz01-bridge/internal/coordinator"
	"tz01-bridge/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr := automation.NewManager(cfg.ScriptsDir, logger)
	engine := automation.NewEngine(coord, scriptMgr, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
