package api

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SakePipe/internal/auth"
	"github.com/BTreeMap/SakePipe/internal/flow"
	"github.com/BTreeMap/SakePipe/internal/media"
	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/objectstore"
	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/store"
)

type createTastingRequest struct {
	SakeID   string `json:"sake_id"`
	Date     string `json:"date,omitempty"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type scoreInput struct {
	TasterID    string   `json:"taster_id,omitempty"`
	TasterName  string   `json:"taster_name,omitempty"`
	TasterPhone string   `json:"taster_phone,omitempty"`
	Score       *float64 `json:"score"`
	Notes       string   `json:"notes,omitempty"`
}

type scoresRequest struct {
	Scores []scoreInput `json:"scores"`
}

type ratingRequest struct {
	Rating     *float64 `json:"rating"`
	TasterName string   `json:"taster_name,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

type imageRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

func writeTasterError(w http.ResponseWriter, err error) {
	if errors.Is(err, flow.ErrTasterNameRequired) || errors.Is(err, phone.ErrInvalidPhoneNumber) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeStoreError(w, "resolveTaster", err)
}

func (s *Server) tastingURL(id string) string {
	return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/tastings/" + id
}

func (s *Server) listTastingsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	q := r.URL.Query()
	tastings, err := s.st.ListTastings(r.Context(), store.TastingFilter{SakeID: q.Get("sake_id"), TasterID: q.Get("taster_id"), Limit: limit})
	if err != nil {
		writeStoreError(w, "listTastingsHandler", err)
		return
	}
	if tastings == nil {
		tastings = []models.TastingDetail{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tastings))
}

func (s *Server) createTastingHandler(w http.ResponseWriter, r *http.Request) {
	var req createTastingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	t := &models.Tasting{SakeID: strings.TrimSpace(req.SakeID), Date: strings.TrimSpace(req.Date), Location: req.Location, Notes: req.Notes}
	if t.SakeID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrMissingSakeID.Error()))
		return
	}
	if t.Date != "" {
		if err := models.ValidateDate(t.Date); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	if _, err := s.st.GetSake(r.Context(), t.SakeID); err != nil {
		writeStoreError(w, "createTastingHandler", err)
		return
	}
	if p := auth.PhoneFromRequest(r); p != "" {
		if res, err := s.phones.Resolve(r.Context(), p); err == nil && res.Found() {
			t.CreatedBy = res.TasterID
		}
	}
	if err := s.st.CreateTasting(r.Context(), t); err != nil {
		writeStoreError(w, "createTastingHandler", err)
		return
	}
	slog.Info("Server.createTastingHandler: tasting created", "tastingID", t.ID, "sakeID", t.SakeID, "createdBy", t.CreatedBy)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Tasting created",
		map[string]interface{}{"tasting": t, "url": s.tastingURL(t.ID)}))
}

func (s *Server) getTastingHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	detail, err := s.st.GetTastingDetail(r.Context(), id)
	if err != nil {
		writeStoreError(w, "getTastingHandler", err)
		return
	}
	images, err := s.st.ListTastingImages(r.Context(), id)
	if err != nil {
		slog.Warn("Server.getTastingHandler: failed to list images", "error", err, "tastingID", id)
	}
	if images == nil {
		images = []models.TastingImage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"tasting": detail,
		"images":  images,
		"url":     s.tastingURL(id),
	}))
}

// updateTastingHandler edits a tasting. Moving it to another sake is an admin edit.
func (s *Server) updateTastingHandler(w http.ResponseWriter, r *http.Request) {
	var u models.TastingUpdate
	if err := decodeJSON(r, &u); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if u.SakeID != nil {
		if !isAdmin(r.Context()) {
			writeJSONResponse(w, http.StatusForbidden, models.Error("Only admins can change the sake of a tasting"))
			return
		}
		if _, err := s.st.GetSake(r.Context(), *u.SakeID); err != nil {
			writeStoreError(w, "updateTastingHandler", err)
			return
		}
	}
	if u.Date != nil {
		if err := models.ValidateDate(*u.Date); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	t, err := s.st.UpdateTasting(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeStoreError(w, "updateTastingHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

func (s *Server) deleteTastingHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeleteTasting(r.Context(), id); err != nil {
		writeStoreError(w, "deleteTastingHandler", err)
		return
	}
	slog.Warn("Server.deleteTastingHandler: tasting deleted", "tastingID", id, "role", roleFrom(r.Context()))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Tasting deleted", nil))
}

func (s *Server) tastingSummaryHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.tools.TastingSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "tastingSummaryHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// recordScoresHandler upserts a batch of 0-10 scores. The whole batch is validated before
// anything is written.
func (s *Server) recordScoresHandler(w http.ResponseWriter, r *http.Request) {
	tastingID := r.PathValue("id")
	var req scoresRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.Scores) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("scores are required"))
		return
	}
	for i, in := range req.Scores {
		if in.Score == nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("scores[%d]: score is required", i)))
			return
		}
		if err := models.ValidateBatchScore(*in.Score); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("scores[%d]: %v", i, err)))
			return
		}
		if in.TasterID == "" && strings.TrimSpace(in.TasterName) == "" && strings.TrimSpace(in.TasterPhone) == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("scores[%d]: taster_id, taster_name or taster_phone is required", i)))
			return
		}
	}
	if _, err := s.st.GetTasting(r.Context(), tastingID); err != nil {
		writeStoreError(w, "recordScoresHandler", err)
		return
	}

	recorded := make([]models.ScoreDetail, 0, len(req.Scores))
	for _, in := range req.Scores {
		taster, err := s.scoreTaster(r, in)
		if err != nil {
			writeTasterError(w, err)
			return
		}
		sc := &models.Score{TastingID: tastingID, TasterID: taster.ID, Score: *in.Score, Notes: in.Notes}
		if err := s.st.UpsertScore(r.Context(), sc); err != nil {
			writeStoreError(w, "recordScoresHandler", err)
			return
		}
		recorded = append(recorded, models.ScoreDetail{Score: *sc, TasterName: taster.Name})
	}
	slog.Info("Server.recordScoresHandler: scores recorded", "tastingID", tastingID, "count", len(recorded))
	writeJSONResponse(w, http.StatusOK, models.Recorded(recorded))
}

func (s *Server) scoreTaster(r *http.Request, in scoreInput) (*models.Taster, error) {
	if in.TasterID != "" {
		return s.st.GetTaster(r.Context(), in.TasterID)
	}
	taster, _, err := flow.ResolveTaster(r.Context(), s.st, s.phones, in.TasterName, in.TasterPhone)
	return taster, err
}

// rateTastingHandler records the caller's 1-5 star rating. The caller is identified by the
// phone cookie, or by name when no phone is known.
func (s *Server) rateTastingHandler(w http.ResponseWriter, r *http.Request) {
	tastingID := r.PathValue("id")
	var req ratingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Rating == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("rating is required"))
		return
	}
	if err := models.ValidateStarRating(*req.Rating); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	callerPhone := auth.PhoneFromRequest(r)
	if callerPhone == "" && strings.TrimSpace(req.TasterName) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("taster_name is required without a phone identity"))
		return
	}
	if _, err := s.st.GetTasting(r.Context(), tastingID); err != nil {
		writeStoreError(w, "rateTastingHandler", err)
		return
	}
	taster, _, err := flow.ResolveTaster(r.Context(), s.st, s.phones, req.TasterName, callerPhone)
	if err != nil {
		writeTasterError(w, err)
		return
	}
	sc := &models.Score{TastingID: tastingID, TasterID: taster.ID, Score: *req.Rating, Notes: req.Notes}
	if err := s.st.UpsertScore(r.Context(), sc); err != nil {
		writeStoreError(w, "rateTastingHandler", err)
		return
	}
	slog.Info("Server.rateTastingHandler: rating recorded", "tastingID", tastingID, "tasterID", taster.ID, "rating", sc.Score)
	writeJSONResponse(w, http.StatusOK, models.Recorded(models.ScoreDetail{Score: *sc, TasterName: taster.Name}))
}

// generateImageHandler renders label art for a tasting's sake, stores it in object storage
// and attaches it to the tasting.
func (s *Server) generateImageHandler(w http.ResponseWriter, r *http.Request) {
	if s.images == nil || s.objects == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Image generation is not configured"))
		return
	}
	tastingID := r.PathValue("id")
	var req imageRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	detail, err := s.st.GetTastingDetail(r.Context(), tastingID)
	if err != nil {
		writeStoreError(w, "generateImageHandler", err)
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		sake, err := s.st.GetSake(r.Context(), detail.SakeID)
		if err != nil {
			writeStoreError(w, "generateImageHandler", err)
			return
		}
		prompt = labelPrompt(sake)
	}

	gen, err := s.images.GenerateImage(r.Context(), prompt)
	if err != nil {
		slog.Error("Server.generateImageHandler: image generation failed", "error", err, "tastingID", tastingID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Image generation failed"))
		return
	}
	raw := &media.Media{Data: gen.Data}
	if len(raw.Data) == 0 && gen.URL != "" {
		if s.fetcher == nil {
			writeJSONResponse(w, http.StatusBadGateway, models.Error("Generated image could not be downloaded"))
			return
		}
		if raw, err = s.fetcher.Fetch(r.Context(), gen.URL); err != nil {
			slog.Error("Server.generateImageHandler: failed to download generated image", "error", err)
			writeJSONResponse(w, http.StatusBadGateway, models.Error("Generated image could not be downloaded"))
			return
		}
	}
	img, err := media.Normalize(raw)
	if err != nil {
		slog.Error("Server.generateImageHandler: generated image unusable", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Generated image is not a valid image"))
		return
	}

	key := objectstore.TastingImageKey(tastingID, img.ContentType)
	if err := s.objects.Put(r.Context(), key, bytes.NewReader(img.Data), int64(len(img.Data)), img.ContentType); err != nil {
		slog.Error("Server.generateImageHandler: upload failed", "error", err, "key", key)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store image"))
		return
	}
	url, err := s.objects.URL(r.Context(), key)
	if err != nil {
		slog.Warn("Server.generateImageHandler: failed to build image URL", "error", err, "key", key)
	}
	record := &models.TastingImage{TastingID: tastingID, ObjectKey: key, URL: url, Source: models.ImageSourceGenerated}
	if err := s.st.AddTastingImage(r.Context(), record); err != nil {
		writeStoreError(w, "generateImageHandler", err)
		return
	}
	slog.Info("Server.generateImageHandler: image stored", "tastingID", tastingID, "key", key, "bytes", len(img.Data))
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]interface{}{
		"image":          record,
		"revised_prompt": gen.RevisedPrompt,
	}))
}

func labelPrompt(sake *models.Sake) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A traditional Japanese sake bottle label for %q", sake.Name)
	if sake.Grade != "" {
		fmt.Fprintf(&b, ", a %s", sake.Grade)
	}
	if sake.Brewery != "" {
		fmt.Fprintf(&b, " brewed by %s", sake.Brewery)
	}
	if sake.Prefecture != "" {
		fmt.Fprintf(&b, " in %s", sake.Prefecture)
	}
	b.WriteString(". Elegant calligraphy, washi paper texture, no extra text.")
	return b.String()
}

func (s *Server) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	minTastings, err := queryInt(r, "min_tastings")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	rankings, err := s.st.SakeRankings(r.Context(), store.RankingFilter{Limit: limit, MinTastings: minTastings})
	if err != nil {
		writeStoreError(w, "leaderboardHandler", err)
		return
	}
	if rankings == nil {
		rankings = []models.SakeRanking{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rankings))
}
