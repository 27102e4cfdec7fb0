package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/docflow/schedule"
	"github.com/c360studio/docflow/storage"
)

// visibleTask enforces task tenancy: global tasks are visible to everyone,
// organization-scoped tasks only to their owner.
func visibleTask(t *schedule.Task, org string) bool {
	return t.ScopeType == schedule.ScopeGlobal || t.OrganizationID == org
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*schedule.Task, bool) {
	id := requestIdentity(r)
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.clientError(w, http.StatusNotFound, "scheduled task not found")
		} else {
			s.serverError(w, r, err)
		}
		return nil, false
	}
	if !visibleTask(t, id.OrganizationID) {
		s.clientError(w, http.StatusNotFound, "scheduled task not found")
		return nil, false
	}
	return t, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	all, err := s.tasks.List(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	tasks := make([]*schedule.Task, 0, len(all))
	for _, t := range all {
		if visibleTask(t, id.OrganizationID) {
			tasks = append(tasks, t)
		}
	}
	s.respond(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	var t schedule.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.clientError(w, http.StatusBadRequest, "request body must be a JSON scheduled task")
		return
	}
	// Callers create tasks in their own tenant; global tasks are seeded
	// out of band.
	t.ScopeType = schedule.ScopeOrganization
	t.OrganizationID = id.OrganizationID

	if _, err := s.tasks.Get(r.Context(), t.Name); err == nil {
		s.clientError(w, http.StatusConflict, "scheduled task "+t.Name+" already exists")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.serverError(w, r, err)
		return
	}
	if err := s.tasks.Save(r.Context(), &t); err != nil {
		s.clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, &t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, t)
}

type taskPatch struct {
	ScheduleExpression *string         `json:"schedule_expression,omitempty"`
	TaskType           *string         `json:"task_type,omitempty"`
	Config             *map[string]any `json:"config,omitempty"`
	Enabled            *bool           `json:"enabled,omitempty"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var patch taskPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.clientError(w, http.StatusBadRequest, "request body must be a JSON patch object")
		return
	}

	updated, err := s.tasks.Mutate(r.Context(), t.Name, func(t *schedule.Task) error {
		if patch.ScheduleExpression != nil {
			t.ScheduleExpression = *patch.ScheduleExpression
		}
		if patch.TaskType != nil {
			t.TaskType = *patch.TaskType
		}
		if patch.Config != nil {
			t.Config = *patch.Config
		}
		if patch.Enabled != nil {
			t.Enabled = *patch.Enabled
		}
		return t.Validate()
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.clientError(w, http.StatusNotFound, "scheduled task not found")
			return
		}
		s.clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A schedule or enablement change moves the next firing.
	if patch.Enabled != nil || patch.ScheduleExpression != nil {
		if updated, err = s.dispatcher.SetEnabled(r.Context(), updated.Name, updated.Enabled); err != nil {
			s.serverError(w, r, err)
			return
		}
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.tasks.Delete(r.Context(), t.Name); err != nil {
		s.serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	created, err := s.dispatcher.TriggerNow(r.Context(), t.Name, id.OrganizationID, id.UserID)
	if err != nil {
		if strings.Contains(err.Error(), "another organization") {
			s.clientError(w, http.StatusForbidden, err.Error())
			return
		}
		s.clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusAccepted, created)
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	s.setTaskEnabled(w, r, true)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	s.setTaskEnabled(w, r, false)
}

func (s *Server) setTaskEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	updated, err := s.dispatcher.SetEnabled(r.Context(), t.Name, enabled)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}
