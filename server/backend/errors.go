package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 64 * 1024

// APIError is a non-2xx response from the assessment service.
type APIError struct {
	StatusCode int
	Detail     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("assessment service error (status %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("assessment service error (status %d): %s", e.StatusCode, e.Body)
}

// Detail returns the server-provided detail carried by err, if any.
func Detail(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}

func readAPIError(response *http.Response) *APIError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	return &APIError{
		StatusCode: response.StatusCode,
		Detail:     extractDetail(bodyBytes),
		Body:       strings.TrimSpace(string(bodyBytes)),
	}
}

// extractDetail understands {"detail": "..."} as well as structured
// validation details, which are flattened back to JSON text.
func extractDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		return text
	}
	if string(payload.Detail) == "null" {
		return ""
	}
	return string(payload.Detail)
}
