// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package apierror is the JSON error envelope of the REST API.
package apierror

type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func BadRequest(message string) ApiError {
	return ApiError{Type: "BAD_REQUEST", Message: message}
}

func NotFound(message string) ApiError {
	return ApiError{Type: "NOT_FOUND", Message: message}
}

func Conflict(message string) ApiError {
	return ApiError{Type: "CONFLICT", Message: message}
}

func Internal(message string) ApiError {
	return ApiError{Type: "ERROR", Message: message}
}
