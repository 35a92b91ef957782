package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/greatliontech/heat/internal/fetch"
	"github.com/greatliontech/heat/internal/heat"
	"github.com/greatliontech/heat/internal/storage"
)

// Exception codes of the error body.
const (
	codeInvalidParameter = "InvalidParameterValue"
	codeNoSuchProcess    = "NoSuchProcess"
	codeNotFound         = "NotFound"
	codeNotImplemented   = "NotImplemented"
	codeExecute          = "ProcessorExecuteError"
	codeInternal         = "InternalError"
)

type exception struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

// classify maps an error to its HTTP status, exception code and the
// message shown to the client.
func classify(err error) (int, string, string) {
	var ee *heat.ExecuteError
	switch {
	case errors.As(err, &ee):
		return http.StatusInternalServerError, codeExecute, ee.Message
	case errors.Is(err, heat.ErrUnknownProcess):
		return http.StatusNotFound, codeNoSuchProcess, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, codeNotFound, err.Error()
	case errors.Is(err, heat.ErrInvalidInput):
		return http.StatusBadRequest, codeInvalidParameter, trimSentinel(err, heat.ErrInvalidInput)
	case errors.Is(err, fetch.ErrHostNotAllowed):
		return http.StatusBadRequest, codeInvalidParameter, err.Error()
	case errors.Is(err, heat.ErrNotImplemented):
		return http.StatusNotImplemented, codeNotImplemented, trimSentinel(err, heat.ErrNotImplemented)
	case errors.Is(err, fetch.ErrBadStatus):
		return http.StatusBadGateway, codeExecute, trimSentinel(err, fetch.ErrBadStatus)
	}
	return http.StatusInternalServerError, codeInternal, err.Error()
}

// trimSentinel drops the leading "<sentinel>: " from the error text.
func trimSentinel(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

func writeError(w http.ResponseWriter, err error) {
	status, code, msg := classify(err)
	writeJSON(w, status, exception{Code: code, Description: msg})
}
