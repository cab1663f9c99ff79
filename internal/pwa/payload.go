package pwa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"pollutionx/internal/store"
)

// HotspotPayload is a georeferenced pollution source as served by
// /api/hotspots.
type HotspotPayload struct {
	ID             string     `json:"_id,omitempty"`
	Name           string     `json:"name" validate:"required"`
	Lat            float64    `json:"lat" validate:"gte=-90,lte=90"`
	Lng            float64    `json:"lng" validate:"gte=-180,lte=180"`
	Intensity      float64    `json:"intensity" validate:"gte=0"`
	AQI            int        `json:"aqi" validate:"gte=0,lte=500"`
	Type           string     `json:"type" validate:"required,oneof=fire industrial vehicular natural other"`
	Source         string     `json:"source" validate:"required"`
	Recommendation string     `json:"recommendation" validate:"required"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

// ReportPayload is a community pollution report as accepted by POST
// /api/reports.
type ReportPayload struct {
	LocationName string     `json:"locationName" validate:"required,max=200"`
	Description  string     `json:"description" validate:"required,max=1000"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// ErrorEnvelope is the body of the synthesized 503 for API requests that
// can be answered neither by the network nor by the cache.
type ErrorEnvelope struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

type Pagination struct {
	Current      int `json:"current"`
	Total        int `json:"total"`
	Count        int `json:"count"`
	TotalRecords int `json:"totalRecords"`
}

// Envelope is the response shape of the REST endpoints.
type Envelope[T any] struct {
	Success    bool        `json:"success"`
	Data       T           `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Count      int         `json:"count,omitempty"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	Details    []string    `json:"details,omitempty"`
}

// QueuedEnvelope answers a report submission that was stored for later.
type QueuedEnvelope struct {
	Success bool   `json:"success"`
	Offline bool   `json:"offline"`
	Queued  bool   `json:"queued"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

var offlineEnvelope = ErrorEnvelope{
	Error:   "Offline - Data not available",
	Offline: true,
	Message: "You are currently offline. Please check your connection and try again.",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError lists every field problem found in a payload.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

// ValidateReports accepts a single report object or an array of them.
func ValidateReports(body []byte) ([]ReportPayload, error) {
	reports, err := decodeOneOrMany[ReportPayload](body)
	if err != nil {
		return nil, err
	}
	for i := range reports {
		reports[i].LocationName = strings.TrimSpace(reports[i].LocationName)
		reports[i].Description = strings.TrimSpace(reports[i].Description)
	}
	return reports, validateAll(reports)
}

// ValidateHotspots accepts a single hotspot object or an array of them.
func ValidateHotspots(body []byte) ([]HotspotPayload, error) {
	hotspots, err := decodeOneOrMany[HotspotPayload](body)
	if err != nil {
		return nil, err
	}
	return hotspots, validateAll(hotspots)
}

func decodeOneOrMany[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, &ValidationError{Details: []string{"request body is empty"}}
	}
	if body[0] == '[' {
		var out []T
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &ValidationError{Details: []string{"invalid JSON: " + err.Error()}}
		}
		if len(out) == 0 {
			return nil, &ValidationError{Details: []string{"empty array"}}
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, &ValidationError{Details: []string{"invalid JSON: " + err.Error()}}
	}
	return []T{one}, nil
}

func validateAll[T any](items []T) error {
	var details []string
	for i := range items {
		err := validate.Struct(items[i])
		if err == nil {
			continue
		}
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		for _, fe := range ve {
			msg := fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
			if len(items) > 1 {
				msg = fmt.Sprintf("[%d] %s", i, msg)
			}
			details = append(details, msg)
		}
	}
	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}

func jsonSnapshot(status int, v any) store.Snapshot {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{"success":false,"error":"internal error"}`)
		status = http.StatusInternalServerError
	}
	return store.Snapshot{
		Status:   status,
		Header:   http.Header{"Content-Type": {"application/json"}},
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
}
