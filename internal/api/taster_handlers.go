package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SakePipe/internal/flow"
	"github.com/BTreeMap/SakePipe/internal/models"
)

type createTasterRequest struct {
	Name            string `json:"name"`
	Phone           string `json:"phone,omitempty"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
}

type updateTasterRequest struct {
	Name            *string `json:"name,omitempty"`
	ProfileImageURL *string `json:"profile_image_url,omitempty"`
}

func (s *Server) listTastersHandler(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	tasters, err := s.st.ListTasters(r.Context(), opts)
	if err != nil {
		writeStoreError(w, "listTastersHandler", err)
		return
	}
	if tasters == nil {
		tasters = []models.Taster{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasters))
}

// createTasterHandler finds or creates a taster the same way the assistant does, so a
// phone that already resolves returns its taster instead of a duplicate.
func (s *Server) createTasterHandler(w http.ResponseWriter, r *http.Request) {
	var req createTasterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Phone == "" {
		if err := models.ValidateTasterName(req.Name); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	taster, created, err := flow.ResolveTaster(r.Context(), s.st, s.phones, req.Name, req.Phone)
	if err != nil {
		writeTasterError(w, err)
		return
	}
	if created && req.ProfileImageURL != "" {
		if updated, err := s.st.UpdateTaster(r.Context(), taster.ID, models.TasterUpdate{ProfileImageURL: &req.ProfileImageURL}); err == nil {
			taster = updated
		}
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		slog.Info("Server.createTasterHandler: taster created", "tasterID", taster.ID)
	}
	writeJSONResponse(w, status, models.Success(map[string]interface{}{"taster": taster, "created": created}))
}

func (s *Server) getTasterHandler(w http.ResponseWriter, r *http.Request) {
	taster, err := s.st.GetTaster(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "getTasterHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(taster))
}

func (s *Server) updateTasterHandler(w http.ResponseWriter, r *http.Request) {
	var req updateTasterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Name != nil {
		if err := models.ValidateTasterName(*req.Name); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	taster, err := s.st.UpdateTaster(r.Context(), r.PathValue("id"), models.TasterUpdate{Name: req.Name, ProfileImageURL: req.ProfileImageURL})
	if err != nil {
		writeStoreError(w, "updateTasterHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(taster))
}

func (s *Server) tasterRankHandler(w http.ResponseWriter, r *http.Request) {
	rank, err := s.tools.TasterRank(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "tasterRankHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rank))
}
