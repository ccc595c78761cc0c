package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/store"
)

// deviceView is the API representation of a device.
type deviceView struct {
	IEEEAddress  string                           `json:"ieee_address"`
	ShortAddress string                           `json:"short_address"`
	Manufacturer string                           `json:"manufacturer,omitempty"`
	Model        string                           `json:"model,omitempty"`
	FriendlyName string                           `json:"friendly_name,omitempty"`
	Driver       string                           `json:"driver,omitempty"`
	Initialized  bool                             `json:"initialized"`
	Attached     bool                             `json:"attached"`
	JoinedAt     time.Time                        `json:"joined_at"`
	LastSeen     time.Time                        `json:"last_seen"`
	LQI          uint8                            `json:"lqi"`
	LQIQuality   string                           `json:"lqi_quality,omitempty"`
	RSSI         int8                             `json:"rssi"`
	Capabilities map[string]store.CapabilityValue `json:"capabilities,omitempty"`
}

func (s *Server) viewDevice(dev *store.Device) deviceView {
	return deviceView{
		IEEEAddress:  dev.IEEEAddress,
		ShortAddress: formatShort(dev.ShortAddress),
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		FriendlyName: dev.FriendlyName,
		Driver:       dev.Driver,
		Initialized:  dev.Initialized,
		Attached:     s.coord.Devices().IsAttached(dev.IEEEAddress),
		JoinedAt:     dev.JoinedAt,
		LastSeen:     dev.LastSeen,
		LQI:          dev.LQI,
		LQIQuality:   lqiQuality(dev.LQI),
		RSSI:         dev.RSSI,
		Capabilities: dev.Capabilities,
	}
}

func formatShort(addr uint16) string {
	return fmt.Sprintf("0x%04X", addr)
}

func lqiQuality(lqi uint8) string {
	switch {
	case lqi == 0:
		return ""
	case lqi >= 171:
		return "good"
	case lqi >= 85:
		return "fair"
	default:
		return "poor"
	}
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.viewDevice(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Devices().GetDevice(r.PathValue("ieee"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.viewDevice(dev))
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Devices().RemoveDevice(ieee); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("delete device", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPINetwork(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.NetworkInfo())
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.PermitJoin(r.Context(), req.Duration); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duration": req.Duration})
}

func (s *Server) handleAPIListCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, capability.Definitions())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
