package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SakePipe/internal/models"
)

func (s *Server) listSakesHandler(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sakes, err := s.st.ListSakes(r.Context(), opts)
	if err != nil {
		writeStoreError(w, "listSakesHandler", err)
		return
	}
	if sakes == nil {
		sakes = []models.Sake{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sakes))
}

func (s *Server) createSakeHandler(w http.ResponseWriter, r *http.Request) {
	var sake models.Sake
	if err := decodeJSON(r, &sake); err != nil {
		slog.Warn("Server.createSakeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	sake.ID = ""
	if err := sake.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	existing, err := s.st.FindSakeByName(r.Context(), sake.Name)
	if err != nil {
		writeStoreError(w, "createSakeHandler", err)
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("A sake with this name already exists"))
		return
	}
	if err := s.st.CreateSake(r.Context(), &sake); err != nil {
		writeStoreError(w, "createSakeHandler", err)
		return
	}
	slog.Info("Server.createSakeHandler: sake created", "sakeID", sake.ID, "name", sake.Name)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Sake created", sake))
}

func (s *Server) getSakeHandler(w http.ResponseWriter, r *http.Request) {
	sake, err := s.st.GetSake(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "getSakeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sake))
}

func (s *Server) updateSakeHandler(w http.ResponseWriter, r *http.Request) {
	var u models.SakeUpdate
	if err := decodeJSON(r, &u); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	sake, err := s.st.UpdateSake(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeStoreError(w, "updateSakeHandler", err)
		return
	}
	slog.Info("Server.updateSakeHandler: sake updated", "sakeID", sake.ID)
	writeJSONResponse(w, http.StatusOK, models.Success(sake))
}

func (s *Server) deleteSakeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeleteSake(r.Context(), id); err != nil {
		writeStoreError(w, "deleteSakeHandler", err)
		return
	}
	slog.Warn("Server.deleteSakeHandler: sake deleted", "sakeID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sake deleted", nil))
}
