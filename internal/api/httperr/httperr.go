// Package httperr renders the gateway's JSON error envelope: the same
// {error, detail, status_code, timestamp, path} shape for every HTTP
// failure, so clients never need to branch on handler-specific bodies.
//
// Grounded on the teacher's handleAuthError (a switch from domain errors to
// status codes and JSON bodies), generalized to the error kinds in spec.md
// §7 instead of per-domain sentinel errors.
package httperr

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Kind names one of the gateway's error categories, used as the envelope's
// "error" field.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindRateLimited Kind = "rate_limited"
	KindInternal    Kind = "internal_error"
)

var statusForKind = map[Kind]int{
	KindValidation:   fiber.StatusBadRequest,
	KindUnauthorized: fiber.StatusUnauthorized,
	KindForbidden:    fiber.StatusForbidden,
	KindNotFound:     fiber.StatusNotFound,
	KindConflict:     fiber.StatusConflict,
	KindUnavailable:  fiber.StatusServiceUnavailable,
	KindRateLimited:  fiber.StatusTooManyRequests,
	KindInternal:     fiber.StatusInternalServerError,
}

// envelope is the wire shape of every error response.
type envelope struct {
	Error      Kind      `json:"error"`
	Detail     string    `json:"detail"`
	StatusCode int       `json:"status_code"`
	Timestamp  time.Time `json:"timestamp"`
	Path       string    `json:"path"`
}

// Respond writes the envelope for kind with detail as the human-readable
// message.
func Respond(c *fiber.Ctx, kind Kind, detail string) error {
	status, ok := statusForKind[kind]
	if !ok {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(envelope{
		Error:      kind,
		Detail:     detail,
		StatusCode: status,
		Timestamp:  time.Now().UTC(),
		Path:       c.Path(),
	})
}

// Validation is a shorthand for the gateway's most common 400 response.
func Validation(c *fiber.Ctx, detail string) error {
	return Respond(c, KindValidation, detail)
}

// Internal is a shorthand for an unexpected-failure 500; the response carries
// a fixed generic detail and never the underlying error, to avoid leaking
// internals.
func Internal(c *fiber.Ctx) error {
	return Respond(c, KindInternal, "an unexpected error occurred")
}
