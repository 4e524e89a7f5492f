// Package httpapi is the HTTP surface: the transport webhook front door, the
// task REST API, health probes, admin operations and the metrics endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// validationEnvelope is the fixed 400 shape for validation failures.
type validationEnvelope struct {
	Error   string             `json:"error"`
	Details []store.FieldError `json:"details"`
	Help    string             `json:"help,omitempty"`
}

func writeValidation(w http.ResponseWriter, verr *store.ValidationError, help string) {
	writeJSON(w, http.StatusBadRequest, validationEnvelope{
		Error:   "Validation failed",
		Details: verr.Fields,
		Help:    help,
	})
}

var (
	taskIDPattern = regexp.MustCompile(`^TASK-\d{8}-\d{3}$`)
	htmlPattern   = regexp.MustCompile(`(?i)<\s*/?\s*[a-z][^>]*>`)
	scriptPattern = regexp.MustCompile(`(?i)<\s*script|javascript:`)
)

// cleanText rejects free text carrying HTML or script fragments.
func cleanText(s string, maxLen int) (string, bool) {
	if len(s) > maxLen {
		return "", false
	}
	if htmlPattern.MatchString(s) || scriptPattern.MatchString(s) {
		return "", false
	}
	return s, true
}
