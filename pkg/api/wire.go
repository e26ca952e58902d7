package api

import (
	"encoding/json"
	"errors"

	"github.com/stokerhq/stoker/pkg/types"
)

// errBadRequest aliases the shared sentinel; handlers wrap it for malformed
// params and it maps to bad_request on the wire.
var errBadRequest = types.ErrBadRequest

// request is one client call on the socket.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response answers exactly one request, matched by id.
type response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *wireError  `json:"error,omitempty"`
}

// notificationEnvelope is a server-initiated message; it carries no id.
type notificationEnvelope struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// wireError is the client-visible error shape.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes on the wire.
const (
	codeDuplicateID       = "duplicate_id"
	codeStorageFailure    = "storage_failure"
	codeKernelUnavailable = "kernel_unavailable"
	codeResourceExhausted = "resource_exhausted"
	codeNotFound          = "not_found"
	codeInvalidTransition = "invalid_transition"
	codeBadRequest        = "bad_request"
	codeInternal          = "internal"
)

// toWireError folds an error into its client-visible code.
func toWireError(err error) *wireError {
	code := codeInternal
	switch {
	case errors.Is(err, types.ErrDuplicateID):
		code = codeDuplicateID
	case errors.Is(err, types.ErrStorageFailure):
		code = codeStorageFailure
	case errors.Is(err, types.ErrKernelUnavailable):
		code = codeKernelUnavailable
	case errors.Is(err, types.ErrResourceExhausted):
		code = codeResourceExhausted
	case errors.Is(err, types.ErrNotFound):
		code = codeNotFound
	case errors.Is(err, types.ErrInvalidTransition):
		code = codeInvalidTransition
	case errors.Is(err, errBadRequest):
		code = codeBadRequest
	}
	return &wireError{Code: code, Message: err.Error()}
}
