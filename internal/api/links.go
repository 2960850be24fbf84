package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knx-gateway/internal/audit"
	"github.com/nerrad567/knx-gateway/internal/gateway"
)

// handleListLinks returns every persisted attribute link.
func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.gateway.Links(r.Context())
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if links == nil {
		links = []gateway.Link{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"links": links,
		"count": len(links),
	})
}

// handleCreateLink stores and binds an attribute link. A link to a
// configuration that is not currently usable is kept and answered with
// 202; it binds once the configuration becomes active.
func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var link gateway.Link
	if err := json.NewDecoder(r.Body).Decode(&link); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if link.ConfigurationID == "" {
		writeBadRequest(w, "configuration_id is required")
		return
	}

	err := s.gateway.Link(r.Context(), link)
	if err == nil || errors.Is(err, gateway.ErrConnectionUnavailable) {
		s.recordAudit(r, audit.ActionLink, audit.EntityLink, link.Ref.String(), map[string]any{
			"configuration_id": link.ConfigurationID,
			"bound":            err == nil,
		})
	}
	switch {
	case errors.Is(err, gateway.ErrConnectionUnavailable):
		writeJSON(w, http.StatusAccepted, map[string]any{
			"link":    link,
			"bound":   false,
			"message": err.Error(),
		})
	case err != nil:
		s.writeGatewayError(w, err)
	default:
		writeJSON(w, http.StatusCreated, map[string]any{
			"link":  link,
			"bound": true,
		})
	}
}

// handleDeleteLink unlinks an attribute.
func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	ref := gateway.AttributeRef{
		AssetID:   chi.URLParam(r, "asset"),
		Attribute: chi.URLParam(r, "attribute"),
	}
	if err := s.gateway.Unlink(r.Context(), ref); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionUnlink, audit.EntityLink, ref.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// writeRequest is the body of POST /attributes/{asset}/{attribute}/write.
type writeRequest struct {
	ID    string `json:"id,omitempty"`
	Value any    `json:"value"`
}

// handleWriteAttribute queues an attribute write. The response carries the
// event ID; the value update follows asynchronously.
func (s *Server) handleWriteAttribute(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	id, err := s.gateway.Write(r.Context(), gateway.WriteEvent{
		ID: req.ID,
		Attribute: gateway.AttributeRef{
			AssetID:   chi.URLParam(r, "asset"),
			Attribute: chi.URLParam(r, "attribute"),
		},
		Value: req.Value,
	})
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionWrite, audit.EntityAttribute, chi.URLParam(r, "asset")+"/"+chi.URLParam(r, "attribute"),
		map[string]any{"id": id})
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}
