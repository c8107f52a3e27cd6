// Package errors renders RFC 7807 problem details for HTTP responses.
package errors

import (
	"net/http"

	"github.com/goccy/go-json"
)

// ContentType is the media type of a problem details body.
const ContentType = "application/problem+json"

// Problem types
const (
	TypeNotFound           = "https://leaguecore.dev/problems/not-found"
	TypeServiceUnavailable = "https://leaguecore.dev/problems/service-unavailable"
	TypeInternalError      = "https://leaguecore.dev/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Extra    map[string]any `json:"-"`
}

func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds a member serialized at the top level of the problem.
func (p *ProblemDetails) WithExtra(key string, value any) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON flattens Extra into the top-level object. Extra members never
// replace the standard ones.
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	return json.Marshal(result)
}

// NewProblemDetails creates a problem; the title defaults to the status text.
func NewProblemDetails(problemType string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, http.StatusNotFound, detail, instance)
}

func NewServiceUnavailableError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeServiceUnavailable, http.StatusServiceUnavailable, detail, instance)
}

func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, http.StatusInternalServerError, detail, instance)
}
