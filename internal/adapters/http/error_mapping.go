package httpadapter

import (
	"net/http"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrForbidden):
		return http.StatusForbidden
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrDocumentRead):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUploadNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal details of unexpected failures.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication required"
	case http.StatusForbidden:
		return "admin role required"
	case http.StatusServiceUnavailable:
		return "upstream service is busy, please retry later"
	case http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}
