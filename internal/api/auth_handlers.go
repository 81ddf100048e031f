package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SakePipe/internal/auth"
	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/store"
)

type loginRequest struct {
	Passcode string `json:"passcode"`
	Phone    string `json:"phone,omitempty"`
}

type sessionInfo struct {
	Role  auth.Role `json:"role"`
	Phone string    `json:"phone,omitempty"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.loginHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	role, err := s.opts.Passcodes.RoleFor(req.Passcode)
	if err != nil {
		slog.Warn("Server.loginHandler: wrong passcode", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Wrong passcode"))
		return
	}

	info := sessionInfo{Role: role}
	if req.Phone != "" {
		normalized, err := auth.SetPhoneCookie(w, req.Phone, s.issuer.TTL(), s.opts.SecureCookies)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		info.Phone = normalized
	}

	token, err := s.issuer.Issue(role)
	if err != nil {
		slog.Error("Server.loginHandler: failed to issue session", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session"))
		return
	}
	s.issuer.SetSessionCookie(w, token, s.opts.SecureCookies)
	slog.Info("Server.loginHandler: session created", "role", role, "withPhone", info.Phone != "")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Logged in", info))
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookies(w)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Logged out", nil))
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) {
	info := sessionInfo{Role: roleFrom(r.Context()), Phone: auth.PhoneFromRequest(r)}
	result := map[string]interface{}{"session": info}
	if info.Phone != "" {
		res, err := s.phones.Resolve(r.Context(), info.Phone)
		switch {
		case err != nil:
			slog.Warn("Server.meHandler: phone not resolved", "error", err)
		case res.Found():
			taster, err := s.st.GetTaster(r.Context(), res.TasterID)
			if err == nil {
				result["taster"] = taster
			} else if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("Server.meHandler: failed to load taster", "error", err, "tasterID", res.TasterID)
			}
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}
