package api

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// sha256Pattern matches a 64-character lowercase hex SHA-256.
var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// newValidator builds the request validator with the sha256 rule
// registered.
func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("sha256", func(fl validator.FieldLevel) bool {
		return sha256Pattern.MatchString(fl.Field().String())
	})
	return v
}

// AnalyzeRequest is the POST /analyze body: either a hash list or a saved
// query, never both.
type AnalyzeRequest struct {
	Hashes []string `json:"hashes" validate:"omitempty,min=1,dive,sha256"`
	Query  string   `json:"query"`
	Limit  int      `json:"limit" validate:"omitempty,gt=0"`
}

func (r *AnalyzeRequest) check() error {
	switch {
	case len(r.Hashes) > 0 && r.Query != "":
		return fmt.Errorf("hashes and query are mutually exclusive")
	case len(r.Hashes) == 0 && r.Query == "":
		return fmt.Errorf("either hashes or query is required")
	}
	return nil
}

// RetrieveAnalysesRequest is the GET /analysis body.
type RetrieveAnalysesRequest struct {
	Hashes []string `json:"hashes" validate:"required,min=1,dive,sha256"`
}

// RemoveAnalysesRequest is the DELETE /analysis body. Kind selects which
// result field the items match on.
type RemoveAnalysesRequest struct {
	Kind  string   `json:"kind" validate:"required,oneof=hashes connector_names analysis_names job_ids"`
	Items []string `json:"items" validate:"required,min=1,dive,min=1"`
}

// AddJobRequest is the POST /job body.
type AddJobRequest struct {
	Query    string      `json:"query" validate:"required,min=1"`
	Schedule string      `json:"schedule" validate:"required,min=1"`
	Repeat   RepeatCount `json:"repeat" validate:"required"`
	Limit    int         `json:"limit" validate:"omitempty,gt=0"`
}

// RemoveJobRequest is the DELETE /job body.
type RemoveJobRequest struct {
	JobID string `json:"job_id" validate:"required,min=1"`
}

// GetJobsRequest is the GET /job body. An omitted until is treated as
// "forever".
type GetJobsRequest struct {
	Until UntilTime `json:"until"`
}

// RepeatCount is a repeat limit that is either "forever" or a positive
// integer.
type RepeatCount struct {
	Forever bool
	Count   int
}

// UnmarshalJSON accepts the string "forever" or a positive integer.
func (r *RepeatCount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "forever" {
			return fmt.Errorf(`repeat must be "forever" or a positive integer`)
		}
		r.Forever = true
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf(`repeat must be "forever" or a positive integer`)
	}
	if n <= 0 {
		return fmt.Errorf("repeat must be > 0, got %d", n)
	}
	r.Count = n
	return nil
}

// UntilTime is a listing horizon that is either "forever" (zero time) or an
// RFC 3339 timestamp.
type UntilTime struct {
	Time time.Time
}

// UnmarshalJSON accepts the string "forever" or an RFC 3339 timestamp.
func (u *UntilTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf(`until must be "forever" or an RFC 3339 timestamp`)
	}
	if s == "forever" {
		u.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("until: %w", err)
	}
	u.Time = t
	return nil
}
