package panel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/lockfleet/internal/authority"
	"github.com/markus-barta/lockfleet/internal/conn"
	"github.com/markus-barta/lockfleet/internal/fleet"
	"github.com/markus-barta/lockfleet/internal/journal"
	"github.com/markus-barta/lockfleet/internal/protocol"
)

const (
	maxUploadSize = 1 << 20
	defaultLimit  = 50
	maxLimit      = 500

	snapshotEvent protocol.EventName = "snapshot"
)

// snapshot is the first message a browser receives.
type snapshot struct {
	Connection protocol.ConnectionStatePayload `json:"connection"`
	Devices    []fleet.DeviceStatus            `json:"devices"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var (
		ve *fleet.ValidationError
		te *authority.TransportError
		ae *authority.AuthorityError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrUnknownDevice), authority.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &ae):
		return http.StatusBadGateway
	case errors.As(err, &te), errors.Is(err, conn.ErrNotConnected), errors.Is(err, fleet.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.fleet.Devices()
	online := 0
	for _, d := range devices {
		if d.Online {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection": s.conn.Status(),
		"devices":    len(devices),
		"online":     online,
		"browsers":   s.hub.ClientCount(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.fleet.Devices()})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.fleet.Device(chi.URLParam(r, "mac"))
	if !ok {
		s.writeError(w, r, fleet.ErrUnknownDevice)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req protocol.NewDevice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &fleet.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	d, err := s.fleet.AddDevice(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.RemoveDevice(r.Context(), chi.URLParam(r, "mac")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	var req struct {
		Command json.RawMessage `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Command) == 0 {
		s.writeError(w, r, &fleet.ValidationError{Field: "command", Reason: "required"})
		return
	}
	if _, ok := s.fleet.Device(mac); !ok {
		s.writeError(w, r, fleet.ErrUnknownDevice)
		return
	}
	if err := s.conn.SendDeviceCommand(mac, req.Command); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// handleRequestState asks the authority to push the device's current state.
// The answer arrives as a device_state_update on /ws.
func (s *Server) handleRequestState(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	if _, ok := s.fleet.Device(mac); !ok {
		s.writeError(w, r, fleet.ErrUnknownDevice)
		return
	}
	if err := s.conn.RequestDeviceState(mac); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.fleet.ListScripts(r.Context(), chi.URLParam(r, "mac"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if scripts == nil {
		scripts = []protocol.ScriptMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scripts": scripts})
}

// handleUploadScript accepts multipart form data with a "file" part and an
// optional "scriptName" field that defaults to the file name.
func (s *Server) handleUploadScript(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, r, &fleet.ValidationError{Field: "file", Reason: err.Error()})
		return
	}

	name := strings.TrimSpace(r.FormValue("scriptName"))
	var content io.Reader
	file, hdr, err := r.FormFile("file")
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		content = file
		if name == "" {
			name = hdr.Filename
		}
	case errors.Is(err, http.ErrMissingFile):
	default:
		s.writeError(w, r, &fleet.ValidationError{Field: "file", Reason: err.Error()})
		return
	}

	if err := s.fleet.Upload(r.Context(), chi.URLParam(r, "mac"), name, content); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scriptName": name})
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	res, err := s.fleet.RunScript(r.Context(), chi.URLParam(r, "mac"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleDequeueScript(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Dequeue(r.Context(), chi.URLParam(r, "mac"), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Delete(r.Context(), chi.URLParam(r, "mac"), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleJournal returns recent journal entries, optionally for one device
// (?mac=) and capped by ?limit=.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []journal.Entry{}})
		return
	}

	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, &fleet.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}

	var (
		entries []journal.Entry
		err     error
	)
	if mac := r.URL.Query().Get("mac"); mac != "" {
		entries, err = s.journal.ForDevice(r.Context(), mac, limit)
	} else {
		entries, err = s.journal.Recent(r.Context(), limit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleWebSocket upgrades a browser connection and registers it with the
// hub. The first frame is a snapshot of the fleet and the push channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	var hello []byte
	msg, err := protocol.NewMessage(snapshotEvent, snapshot{
		Connection: s.conn.Status(),
		Devices:    s.fleet.Devices(),
	})
	if err == nil {
		hello, err = json.Marshal(msg)
	}
	if err != nil {
		hello = nil
		s.log.Debug().Err(err).Msg("failed to encode snapshot")
	}

	c := s.hub.register(ws, hello)
	go c.writePump()
	go c.readPump()
}
