package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/knx-gateway/internal/audit"
)

// auditRecordTimeout bounds the audit insert so a slow database cannot hold
// up a response that has already succeeded.
const auditRecordTimeout = 2 * time.Second

// recordAudit stores an audit entry for a successful change. Failures are
// logged and never surface to the caller.
func (s *Server) recordAudit(r *http.Request, action, entityType, entityID string, details map[string]any) {
	if s.audit == nil {
		return
	}

	entry := &audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     audit.SourceAPI,
		Details:    details,
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		entry.Subject = claims.Subject
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditRecordTimeout)
	defer cancel()
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit entry",
			"action", action,
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
	}
}

// handleListAudit returns a page of audit entries, newest first.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit trail not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	page, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
