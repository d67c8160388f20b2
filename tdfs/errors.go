package tdfs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

var (
	ErrAuthentication     = errors.New("invalid credentials")
	ErrAuthorization      = errors.New("access denied")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("invalid request")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTransientIO        = errors.New("block transfer failed")
	ErrTooLarge           = errors.New("block too large")
)

// statusOf maps an error onto the HTTP status the NameNode/DataNode answers with.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorOf is the client-side inverse of statusOf.
func errorOf(status int, msg string) error {
	var base error
	switch status {
	case http.StatusUnauthorized:
		base = ErrAuthentication
	case http.StatusForbidden:
		base = ErrAuthorization
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		base = ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		base = ErrValidation
	case http.StatusRequestEntityTooLarge:
		base = ErrTooLarge
	case http.StatusServiceUnavailable:
		base = ErrServiceUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", status, msg)
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

// abortWithError renders err as {"error": msg} with its mapped status.
func abortWithError(c *gin.Context, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
}
