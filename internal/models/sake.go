package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Score ranges. The batch API and the assistant record 0-10 scores while the star
// rating form records 1-5; both are kept at their own boundary.
const (
	MinBatchScore = 0
	MaxBatchScore = 10
	MinStarRating = 1
	MaxStarRating = 5
)

// Validation limits for free-text fields.
const (
	MaxNameLength  = 200
	MaxNotesLength = 4000
)

// DateLayout is the storage format of a tasting date.
const DateLayout = "2006-01-02"

// Error variables for better error handling and testability
var (
	ErrEmptyName       = errors.New("name is required")
	ErrNameTooLong     = errors.New("name exceeds maximum length")
	ErrNotesTooLong    = errors.New("notes exceed maximum length")
	ErrScoreOutOfRange = errors.New("score out of range")
	ErrMissingSakeID   = errors.New("sake_id is required")
	ErrInvalidDate     = errors.New("date must be in YYYY-MM-DD format")
	ErrEmptyUpdate     = errors.New("no fields to update")
)

// Sake is a single sake product. Name matching is case-insensitive.
type Sake struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Brewery         string    `json:"brewery,omitempty"`
	Prefecture      string    `json:"prefecture,omitempty"`
	Grade           string    `json:"grade,omitempty"` // e.g. junmai daiginjo
	Type            string    `json:"type,omitempty"`  // e.g. nigori, genshu
	RiceVariety     string    `json:"rice_variety,omitempty"`
	PolishingRatio  *float64  `json:"polishing_ratio,omitempty"` // percent remaining, lower = more refined
	AlcoholPercent  *float64  `json:"alcohol_percent,omitempty"`
	SMV             *float64  `json:"smv,omitempty"` // sake meter value, signed sweetness/dryness
	BottleImageURLs []string  `json:"bottle_image_urls,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks required fields and numeric bounds of a sake.
func (s *Sake) Validate() error {
	if err := validateName(s.Name); err != nil {
		return err
	}
	if s.PolishingRatio != nil && (*s.PolishingRatio <= 0 || *s.PolishingRatio > 100) {
		return fmt.Errorf("polishing_ratio must be in (0, 100]: %v", *s.PolishingRatio)
	}
	if s.AlcoholPercent != nil && (*s.AlcoholPercent < 0 || *s.AlcoholPercent > 100) {
		return fmt.Errorf("alcohol_percent must be in [0, 100]: %v", *s.AlcoholPercent)
	}
	return nil
}

// SakeUpdate is a partial update; nil fields are left untouched.
type SakeUpdate struct {
	Name           *string  `json:"name,omitempty"`
	Brewery        *string  `json:"brewery,omitempty"`
	Prefecture     *string  `json:"prefecture,omitempty"`
	Grade          *string  `json:"grade,omitempty"`
	Type           *string  `json:"type,omitempty"`
	RiceVariety    *string  `json:"rice_variety,omitempty"`
	PolishingRatio *float64 `json:"polishing_ratio,omitempty"`
	AlcoholPercent *float64 `json:"alcohol_percent,omitempty"`
	SMV            *float64 `json:"smv,omitempty"`
}

// Empty reports whether the update sets no field.
func (u SakeUpdate) Empty() bool {
	return u.Name == nil && u.Brewery == nil && u.Prefecture == nil && u.Grade == nil &&
		u.Type == nil && u.RiceVariety == nil && u.PolishingRatio == nil &&
		u.AlcoholPercent == nil && u.SMV == nil
}

// Apply returns a copy of s with the update applied.
func (u SakeUpdate) Apply(s Sake) Sake {
	if u.Name != nil {
		s.Name = strings.TrimSpace(*u.Name)
	}
	if u.Brewery != nil {
		s.Brewery = *u.Brewery
	}
	if u.Prefecture != nil {
		s.Prefecture = *u.Prefecture
	}
	if u.Grade != nil {
		s.Grade = *u.Grade
	}
	if u.Type != nil {
		s.Type = *u.Type
	}
	if u.RiceVariety != nil {
		s.RiceVariety = *u.RiceVariety
	}
	if u.PolishingRatio != nil {
		s.PolishingRatio = u.PolishingRatio
	}
	if u.AlcoholPercent != nil {
		s.AlcoholPercent = u.AlcoholPercent
	}
	if u.SMV != nil {
		s.SMV = u.SMV
	}
	return s
}

// Taster is a person who scores tastings. PhoneHash is the primary phone identity;
// older hashes resolve through PhoneLink records.
type Taster struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PhoneHash       string    `json:"phone_hash,omitempty"`
	ProfileImageURL string    `json:"profile_image_url,omitempty"`
	RankCache       string    `json:"rank_cache,omitempty"` // display cache only, never the source of truth
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TasterUpdate is a partial update; nil fields are left untouched.
type TasterUpdate struct {
	Name            *string `json:"name,omitempty"`
	ProfileImageURL *string `json:"profile_image_url,omitempty"`
	RankCache       *string `json:"rank_cache,omitempty"`
}

// Empty reports whether the update sets no field.
func (u TasterUpdate) Empty() bool {
	return u.Name == nil && u.ProfileImageURL == nil && u.RankCache == nil
}

// Apply returns a copy of t with the update applied.
func (u TasterUpdate) Apply(t Taster) Taster {
	if u.Name != nil {
		t.Name = strings.TrimSpace(*u.Name)
	}
	if u.ProfileImageURL != nil {
		t.ProfileImageURL = *u.ProfileImageURL
	}
	if u.RankCache != nil {
		t.RankCache = *u.RankCache
	}
	return t
}

// Tasting is one session of drinking one sake. The sake reference only changes
// through an explicit admin edit.
type Tasting struct {
	ID        string    `json:"id"`
	SakeID    string    `json:"sake_id"`
	Date      string    `json:"date"` // YYYY-MM-DD
	Location  string    `json:"location,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"` // taster id
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the tasting's required fields.
func (t *Tasting) Validate() error {
	if strings.TrimSpace(t.SakeID) == "" {
		return ErrMissingSakeID
	}
	if err := ValidateDate(t.Date); err != nil {
		return err
	}
	if len(t.Notes) > MaxNotesLength {
		return ErrNotesTooLong
	}
	return nil
}

// TastingUpdate is a partial update; nil fields are left untouched.
type TastingUpdate struct {
	SakeID   *string `json:"sake_id,omitempty"`
	Date     *string `json:"date,omitempty"`
	Location *string `json:"location,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// Empty reports whether the update sets no field.
func (u TastingUpdate) Empty() bool {
	return u.SakeID == nil && u.Date == nil && u.Location == nil && u.Notes == nil
}

// Apply returns a copy of t with the update applied.
func (u TastingUpdate) Apply(t Tasting) Tasting {
	if u.SakeID != nil {
		t.SakeID = *u.SakeID
	}
	if u.Date != nil {
		t.Date = *u.Date
	}
	if u.Location != nil {
		t.Location = *u.Location
	}
	if u.Notes != nil {
		t.Notes = *u.Notes
	}
	return t
}

// Score is one taster's score for one tasting; (TastingID, TasterID) is unique.
type Score struct {
	ID        string    `json:"id"`
	TastingID string    `json:"tasting_id"`
	TasterID  string    `json:"taster_id"`
	Score     float64   `json:"score"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateBatchScore checks a score against the 0-10 range used by the API and the assistant.
func ValidateBatchScore(v float64) error {
	if v < MinBatchScore || v > MaxBatchScore {
		return fmt.Errorf("%w: %v not in [%d, %d]", ErrScoreOutOfRange, v, MinBatchScore, MaxBatchScore)
	}
	return nil
}

// ValidateStarRating checks a rating against the 1-5 star range of the rating form.
func ValidateStarRating(v float64) error {
	if v < MinStarRating || v > MaxStarRating {
		return fmt.Errorf("%w: %v not in [%d, %d]", ErrScoreOutOfRange, v, MinStarRating, MaxStarRating)
	}
	return nil
}

// ImageSource tells where a tasting image came from.
type ImageSource string

const (
	ImageSourceUpload    ImageSource = "upload"
	ImageSourceGenerated ImageSource = "generated"
)

// TastingImage is an image attached to a tasting and stored in object storage.
type TastingImage struct {
	ID        string      `json:"id"`
	TastingID string      `json:"tasting_id"`
	ObjectKey string      `json:"object_key"`
	URL       string      `json:"url,omitempty"`
	Source    ImageSource `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
}

// PhoneLink maps a phone hash to a taster. The most recent link wins.
type PhoneLink struct {
	PhoneHash string    `json:"phone_hash"`
	TasterID  string    `json:"taster_id"`
	LinkedAt  time.Time `json:"linked_at"`
}

// TastingDetail is a tasting joined with its sake and scores.
type TastingDetail struct {
	Tasting
	SakeName string        `json:"sake_name"`
	Scores   []ScoreDetail `json:"scores,omitempty"`
}

// ScoreDetail is a score joined with the taster's name.
type ScoreDetail struct {
	Score
	TasterName string `json:"taster_name"`
}

// SakeRanking is one row of the sake leaderboard.
type SakeRanking struct {
	SakeID       string  `json:"sake_id"`
	Name         string  `json:"name"`
	Brewery      string  `json:"brewery,omitempty"`
	AverageScore float64 `json:"average_score"`
	TastingCount int     `json:"tasting_count"`
	ScoreCount   int     `json:"score_count"`
}

// ValidateDate checks a YYYY-MM-DD date string.
func ValidateDate(d string) error {
	if _, err := time.Parse(DateLayout, d); err != nil {
		return ErrInvalidDate
	}
	return nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// ValidateTasterName checks a taster display name.
func ValidateTasterName(name string) error {
	return validateName(name)
}
