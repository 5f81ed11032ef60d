package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/config"
	"github.com/nexus-edge/vxi11-gateway/internal/engine"
)

// Handlers implements the management REST surface (spec.md §6):
// reading and replacing the devices/mappings document, triggering a hot
// reload of backend adapters, and reporting the resource manager's lock
// table. Grounded on original_source/gui_server.py's route table and the
// teacher's internal/api.APIHandler collaborator-injection shape.
type Handlers struct {
	log         zerolog.Logger
	eng         *engine.Engine
	devicesPath string
	hub         *Hub

	mu      sync.Mutex
	lastErr error
}

// NewHandlers builds the Handlers collaborator. devicesPath is re-read on
// every POST /api/reload, so edits written by POST /api/config take
// effect without restarting the process.
func NewHandlers(eng *engine.Engine, devicesPath string, hub *Hub, log zerolog.Logger) *Handlers {
	return &Handlers{eng: eng, devicesPath: devicesPath, hub: hub, log: log.With().Str("component", "api").Logger()}
}

// LastReloadError reports the error from the most recent reload attempt
// at startup or via POST /api/reload, or nil if the last one succeeded.
// Wired into health.NewDevicesLoadedCheck so a bad reload surfaces
// through GET /health instead of only in the reload response body.
func (h *Handlers) LastReloadError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *Handlers) setLastReloadError(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

// LoadAndApply reads the devices document at h.devicesPath, compiles an
// adapter builder per device, and swaps them into the engine atomically.
// Used both at startup and by handleReload.
func (h *Handlers) LoadAndApply() error {
	devices, err := config.LoadDevices(h.devicesPath)
	if err != nil {
		h.setLastReloadError(err)
		return err
	}
	builders, err := engine.BuildAdapters(devices, h.log)
	if err != nil {
		h.setLastReloadError(err)
		return err
	}
	h.eng.SetBuilders(builders)
	h.setLastReloadError(nil)
	return nil
}

// handleConfig serves and replaces the devices/mappings document.
func (h *Handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		devices, err := config.LoadDevices(h.devicesPath)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, devices.ToMap())

	case http.MethodPost:
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if err := config.SaveDevices(h.devicesPath, payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleReload re-reads the devices document and swaps adapter builders
// into the running engine without reopening the VXI-11 listener,
// grounded on gui_server.py's /api/reload handler (spec.md §6).
func (h *Handlers) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.LoadAndApply(); err != nil {
		h.log.Error().Err(err).Msg("reload failed")
		h.hub.Broadcast(Event{Type: "reload", Data: map[string]string{"status": "error", "error": err.Error()}})
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Info().Msg("devices reloaded")
	h.hub.Broadcast(Event{Type: "reload", Data: map[string]string{"status": "ok"}})
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleLocks reports the resource manager's lock table: every device
// that has ever been locked, mapped to the link ID currently holding it
// or null if it's free. Not present in original_source/gui_server.py;
// added because spec.md §7 calls for an admin view of device locking
// that the Python original never exposed over HTTP.
func (h *Handlers) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := h.eng.Resources().Status()
	owners := make(map[string]interface{}, len(status))
	for device, linkID := range status {
		if linkID == nil {
			owners[device] = nil
		} else {
			owners[device] = *linkID
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"owners": owners})
}
