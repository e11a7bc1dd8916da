package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"voh_site_echo/internal/services"
)

// ErrorResponse is the body of every API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// CustomErrorHandler maps service errors to JSON responses
func CustomErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, body := classify(err)
	if code >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		c.Logger().Error(err)
	}
}

func classify(err error) (int, ErrorResponse) {
	var (
		he         *echo.HTTPError
		validation *services.ValidationError
		authErr    *services.ProviderAuthError
		requestErr *services.ProviderRequestError
		timeout    *services.PollTimeoutError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: validation.Message, Field: validation.Field}
	case errors.Is(err, services.ErrDonationNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Donation not found"}
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid_signature", Message: "Webhook signature could not be verified"}
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "poll_timeout", Message: "Payment is still being processed. Please check again shortly."}
	case errors.Is(err, services.ErrPollInProgress):
		return http.StatusConflict, ErrorResponse{Error: "poll_in_progress", Message: "Payment status is already being checked"}
	case errors.As(err, &authErr):
		return http.StatusBadGateway, ErrorResponse{Error: "provider_auth_error", Message: "Payment provider is unavailable. Please try again later."}
	case errors.As(err, &requestErr):
		message := requestErr.Message
		if message == "" {
			message = "Payment provider rejected the request"
		}
		return http.StatusBadGateway, ErrorResponse{Error: "provider_request_error", Message: message}
	case errors.As(err, &he):
		message := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok && msg != "" {
			message = msg
		}
		return he.Code, ErrorResponse{Error: errorCode(he.Code), Message: message}
	}

	return http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Something went wrong. Please try again later."}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= http.StatusInternalServerError {
		return "internal_error"
	}
	return "error"
}
