package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hyperengineering/tailor/internal/validation"
)

// APIError is a non-success response from the server, decoded from its
// Problem Details body when one is present.
type APIError struct {
	Status int
	Title  string
	Detail string
	Errors []validation.ValidationError
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if len(e.Errors) > 0 {
		parts := make([]string, 0, len(e.Errors))
		for _, fe := range e.Errors {
			parts = append(parts, fe.Field+" "+fe.Message)
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	return msg
}

// problem mirrors the server's Problem Details body.
type problem struct {
	Title  string                       `json:"title"`
	Status int                          `json:"status"`
	Detail string                       `json:"detail"`
	Errors []validation.ValidationError `json:"errors"`
}

// decodeError builds an APIError from resp. The body is consumed.
func decodeError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var p problem
	if json.Unmarshal(body, &p) == nil {
		apiErr.Title = p.Title
		apiErr.Detail = p.Detail
		apiErr.Errors = p.Errors
	} else {
		apiErr.Detail = strings.TrimSpace(string(body))
	}
	return apiErr
}
