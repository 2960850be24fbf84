package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knx-gateway/internal/audit"
	"github.com/nerrad567/knx-gateway/internal/gateway"
)

// handleListConfigurations returns every activated configuration with its
// connection status.
func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	infos, err := s.gateway.Configurations(r.Context())
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if infos == nil {
		infos = []gateway.ConfigurationInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configurations": infos,
		"count":          len(infos),
	})
}

// handleCreateConfiguration validates, persists and activates a configuration.
func (s *Server) handleCreateConfiguration(w http.ResponseWriter, r *http.Request) {
	var cfg gateway.GatewayConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	created, res, err := s.gateway.CreateConfiguration(r.Context(), cfg)
	if errors.Is(err, gateway.ErrConfigurationInvalid) {
		writeValidation(w, res)
		return
	}
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionCreate, audit.EntityConfiguration, created.ID, map[string]any{
		"gateway_ip": created.GatewayIP,
		"enabled":    created.Enabled,
	})
	writeJSON(w, http.StatusCreated, created)
}

// handleValidateConfiguration runs the validator without storing anything.
func (s *Server) handleValidateConfiguration(w http.ResponseWriter, r *http.Request) {
	var cfg gateway.GatewayConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	res := gateway.Validate(cfg)
	if res.Failures == nil {
		res.Failures = []gateway.ValidationFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    res.Valid(),
		"failures": res.Failures,
	})
}

// handleGetConfiguration returns one stored configuration.
func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.gateway.GetConfiguration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateConfiguration replaces a stored configuration. The ID in the
// path wins over any ID in the body.
func (s *Server) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var cfg gateway.GatewayConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	cfg.ID = chi.URLParam(r, "id")

	res, err := s.gateway.UpdateConfiguration(r.Context(), cfg)
	if errors.Is(err, gateway.ErrConfigurationInvalid) {
		writeValidation(w, res)
		return
	}
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	s.recordAudit(r, audit.ActionUpdate, audit.EntityConfiguration, cfg.ID, nil)

	updated, err := s.gateway.GetConfiguration(r.Context(), cfg.ID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteConfiguration deactivates and deletes a configuration.
func (s *Server) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.gateway.DeleteConfiguration(r.Context(), id); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionDelete, audit.EntityConfiguration, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableConfiguration(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisableConfiguration(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := s.gateway.SetEnabled(r.Context(), id, enabled); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	action := audit.ActionDisable
	if enabled {
		action = audit.ActionEnable
	}
	s.recordAudit(r, action, audit.EntityConfiguration, id, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"enabled": enabled,
	})
}

// handleListConnections returns the shared bus connections.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.gateway.Connections(r.Context())
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if conns == nil {
		conns = []gateway.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"count":       len(conns),
	})
}

// handleListBindings returns the binding table.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.gateway.Bindings(r.Context())
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if bindings == nil {
		bindings = []gateway.BindingInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bindings": bindings,
		"count":    len(bindings),
	})
}
