package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aeolun/wirechat/pkg/database"
	"github.com/aeolun/wirechat/pkg/kvstore"
	"github.com/aeolun/wirechat/pkg/protocol"
	"github.com/aeolun/wirechat/pkg/sessions"
)

// envelopeVersion is written into every JSON body
const envelopeVersion = 3

// Error codes carried in the JSON envelope. Validation codes live in
// validate.go.
const (
	CodeOK             = 0
	CodeAlreadyExists  = 2
	CodeTokenExhausted = 21
	CodeBadRequest     = 400
	CodeUnauthorized   = 401
	CodeNotFound       = 404
	CodeInternal       = 500
	CodeUnavailable    = 503
)

// Envelope is the JSON body of every API response
type Envelope struct {
	ErrorCode int            `json:"errorcode"`
	Reason    string         `json:"reason"`
	Data      map[string]any `json:"data"`
	Version   int            `json:"version"`
}

// apiError is an error that knows how it looks on the wire
type apiError struct {
	status int
	code   int
	reason string
	err    error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.err)
	}
	return e.reason
}

func (e *apiError) Unwrap() error {
	return e.err
}

// classify maps a handler error onto status, errorcode and reason. Unknown
// errors become an opaque 500.
func classify(err error) *apiError {
	var api *apiError
	if errors.As(err, &api) {
		return api
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return &apiError{status: protocol.StatusBadRequest, code: verr.Code, reason: verr.Reason, err: err}
	}

	switch {
	case errors.Is(err, protocol.ErrMalformedMessage):
		return &apiError{protocol.StatusBadRequest, CodeBadRequest, "Malformed request.", err}
	case errors.Is(err, sessions.ErrUnauthorized):
		return &apiError{protocol.StatusBadRequest, CodeUnauthorized, "You are not logged in.", err}
	case errors.Is(err, database.ErrInvalidCredentials):
		return &apiError{protocol.StatusBadRequest, CodeUnauthorized, "Login or password are incorrect.", err}
	case errors.Is(err, database.ErrAlreadyExists):
		return &apiError{protocol.StatusBadRequest, CodeAlreadyExists, "Is already exists.", err}
	case errors.Is(err, sessions.ErrTokenUnavailable):
		return &apiError{protocol.StatusServiceUnavailable, CodeTokenExhausted, "Could not allocate a session, try again.", err}
	case errors.Is(err, kvstore.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &apiError{protocol.StatusServiceUnavailable, CodeUnavailable, "Service temporarily unavailable.", err}
	}
	return &apiError{protocol.StatusInternalServerError, CodeInternal, "Internal error.", err}
}

// errorResponse renders err as a JSON envelope response. Internal errors
// are logged; their detail never reaches the client.
func errorResponse(err error) *protocol.Response {
	api := classify(err)
	if api.status == protocol.StatusInternalServerError {
		errorLog.Printf("Handler error: %v", err)
	} else {
		debugLog.Printf("Request rejected (%d/%d): %v", api.status, api.code, err)
	}
	return jsonResponse(api.status, Envelope{
		ErrorCode: api.code,
		Reason:    api.reason,
		Data:      map[string]any{},
		Version:   envelopeVersion,
	})
}

// okResponse is a 200 envelope with errorcode 0
func okResponse(data map[string]any) *protocol.Response {
	if data == nil {
		data = map[string]any{}
	}
	return jsonResponse(protocol.StatusOK, Envelope{
		ErrorCode: CodeOK,
		Data:      data,
		Version:   envelopeVersion,
	})
}

func jsonResponse(status int, env Envelope) *protocol.Response {
	body, err := json.Marshal(env)
	if err != nil {
		// map[string]any of plain values always encodes
		panic(fmt.Sprintf("encode envelope: %v", err))
	}
	resp := protocol.NewResponse(status)
	resp.SetHeader("Content-Type", "application/json; charset=utf-8")
	resp.SetBody(body)
	return resp
}

// framingResponse answers a request the framer rejected before dispatch
func framingResponse(status int) *protocol.Response {
	reason := "Malformed request."
	switch status {
	case protocol.StatusHeaderTooLarge:
		reason = "Request header too large."
	case protocol.StatusPayloadTooLarge:
		reason = "Request body too large."
	}
	return jsonResponse(status, Envelope{
		ErrorCode: status,
		Reason:    reason,
		Data:      map[string]any{},
		Version:   envelopeVersion,
	})
}
