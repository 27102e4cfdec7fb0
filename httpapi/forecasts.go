package httpapi

import (
	"net/http"

	"github.com/c360studio/docflow/sam"
)

// WithForecasts exposes the unified opportunity view under GET /forecasts.
// Without it the route is absent.
func (s *Server) WithForecasts(f *sam.Forecasts) *Server {
	s.forecasts = f
	return s
}

func (s *Server) handleListForecasts(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	q := r.URL.Query()
	order := q.Get("order")
	if order != "" && order != "asc" && order != "desc" {
		s.clientError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}
	rows, err := s.forecasts.List(r.Context(), id.OrganizationID, q.Get("sort"), order == "desc")
	if err != nil {
		s.clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"forecasts": rows, "count": len(rows)})
}
