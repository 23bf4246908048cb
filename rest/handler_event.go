package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
)

type eventRequest struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

func (s *Server) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed event body")
		return
	}
	defer r.Body.Close()
	if req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "event name required")
		return
	}
	s.eventBus.Publish(model.Event{Name: req.Name, Data: req.Data})
	respondOKWithoutBody(w)
}

func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["id"]
	run, err := s.executionService.GetRun(runId)
	if err != nil {
		if _, ok := err.(persistence.RunNotFoundError); ok {
			respondWithError(w, http.StatusNotFound, "run not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "error reading run")
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}
