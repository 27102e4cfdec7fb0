package httpapi

import "net/http"

// handleSubmitTick forces one submitter iteration. Operators use it to
// drain queues without waiting for the next scheduled tick.
func (s *Server) handleSubmitTick(w http.ResponseWriter, r *http.Request) {
	submitted, err := s.submitter.SubmitDue(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"submitted": submitted})
}
