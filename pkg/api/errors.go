// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// GenericFailureMessage is shown when the server gave no usable detail.
const GenericFailureMessage = "The request failed. Please try again."

// maxErrorBodyBytes bounds how much of an error response is read.
const maxErrorBodyBytes = 64 * 1024

// APIError is a non-success HTTP response from the service.
//
// Detail holds the server-provided message verbatim when one was present.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: server error (%d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server error (%d): %s", e.Op, e.StatusCode, e.Detail)
}

// TransportError is a failure to reach the service or read its response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, or 0 if err is not an
// *APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsConflict reports whether err is an HTTP 409.
func IsConflict(err error) bool { return StatusCode(err) == http.StatusConflict }

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// UserMessage returns the text to show for err: the server detail when
// present, otherwise GenericFailureMessage.
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return GenericFailureMessage
}

// ReadError builds an *APIError from a non-success response. The body is
// consumed but not closed.
//
// The service reports errors as {"detail": "..."}; validation failures use
// a list of objects with a "msg" field. Any other body is used verbatim.
func ReadError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Detail: parseDetail(body)}
}

func parseDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var envelope struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return trimmed
	}
	if len(envelope.Detail) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Detail, &s); err == nil {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(envelope.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			return strings.Join(msgs, "; ")
		}
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return trimmed
}
