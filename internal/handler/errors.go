package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
)

// ErrorHandler renders every error a handler or middleware returns. Auth
// failures only expose the reason; server-side failures expose nothing.
func ErrorHandler(log logrus.FieldLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := render(err)
		if status >= http.StatusInternalServerError {
			log.WithError(err).WithFields(logrus.Fields{
				"method": c.Request().Method,
				"path":   c.Path(),
				"status": status,
			}).Error("request failed")
		}
		var ae *apperror.Error
		if errors.As(err, &ae) && ae.Kind == apperror.KindRateLimited {
			secs := int(math.Ceil(ae.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
			body["retry_after"] = secs
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func render(err error) (int, echo.Map) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && he.Code < http.StatusInternalServerError {
			msg = s
		}
		return he.Code, echo.Map{"error": msg}
	}

	var ae *apperror.Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError, echo.Map{"error": "internal error"}
	}
	status := apperror.Status(err)
	switch ae.Kind {
	case apperror.KindAuth:
		body := echo.Map{"error": "unauthorized"}
		if ae.Reason != "" {
			body["reason"] = ae.Reason
		} else if ae.Message != "" && ae.Message != "unauthorized" {
			body["error"] = ae.Message
		}
		return status, body
	case apperror.KindUpstream:
		return status, echo.Map{"error": "upstream service unavailable"}
	case apperror.KindUnknown:
		return http.StatusInternalServerError, echo.Map{"error": "internal error"}
	}
	return status, echo.Map{"error": ae.Message, "kind": ae.Kind.String()}
}

// validationError turns ozzo-validation output into a Validation error.
func validationError(err error) error {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return apperror.Validation("%s", verrs.Error())
	}
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperror.Validation("%s", err.Error())
}
