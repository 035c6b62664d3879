package api

import (
	"bufio"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inventahq/eventrelay/internal/event"
)

// maxLineBytes bounds one envelope line on the publish path.
const maxLineBytes = 1 << 20

// publishEvents handles POST /v1/tenants/{tenant_id}/events. The body
// is newline-delimited JSON envelopes; blank lines are skipped and each
// failing line is rejected without affecting the others. Responds 202
// with accepted/rejected counts, or 400 when nothing was accepted.
func (s *Server) publishEvents(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant_id")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	var accepted, rejected int
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		err := s.publisher.Publish(r.Context(), tenant, scanner.Bytes())
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, event.ErrEmptyLine):
			// Blank lines are valid filler in the line protocol.
		default:
			rejected++
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("publish body read failed",
			zap.String("tenant", tenant),
			zap.Error(err),
		)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if accepted == 0 && rejected > 0 {
		writeError(w, http.StatusBadRequest, "no publishable envelopes in request")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": accepted,
		"rejected": rejected,
	})
}
