package web

import (
	"net/http"
	"slices"

	"tz01-bridge/internal/automation"
)

// WithAutomation exposes the automation engine and its scripts under /api/automations.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

type automationView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []automationView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	running := s.autoEngine.Running()
	views := make([]automationView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, automationView{Script: sc, Running: slices.Contains(running, sc.ID)})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIReloadAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "automations not available"})
		return
	}
	id := r.PathValue("id")
	if err := s.autoEngine.ReloadScript(id); err != nil {
		s.logger.Warn("reload script", "id", id, "err", err)
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": slices.Contains(s.autoEngine.Running(), id),
	})
}
