package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/metrics"
)

type successEnvelope struct {
	Data any `json:"data"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Data: data})
}

// writeError answers with the status registered for err's code. Messages of
// codes without DetailsAllowed never leave the process.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, m *metrics.Metrics, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	if meta.DetailsAllowed && typed.Message() != "" {
		msg = typed.Message()
	}

	if meta.HTTPStatus >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", typed.Code(), "error", err)
		if m != nil {
			m.Errors.WithLabelValues("http").Inc()
		}
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", typed.Code(), "error", err)
	}

	writeJSON(w, meta.HTTPStatus, errorEnvelope{Error: apiError{Code: string(typed.Code()), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
