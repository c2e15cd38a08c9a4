// Package errors provides typed domain errors for the federation core.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Lookup errors
	CodeConnectionNotFound Code = "CONNECTION_NOT_FOUND"
	CodeRequestNotFound    Code = "CONNECTION_REQUEST_NOT_FOUND"
	CodeStreamNotFound     Code = "STREAM_NOT_FOUND"

	// Connection request errors
	CodeRequestNotUpdatable Code = "CONNECTION_REQUEST_NOT_UPDATABLE"
	CodeRequestDuplicate    Code = "CONNECTION_REQUEST_DUPLICATE"
	CodeSelfReference       Code = "CONNECTION_SELF_REFERENCE"

	// Connection errors
	CodeEndpointInvalid Code = "CONNECTION_ENDPOINT_INVALID"

	// Wire surface errors
	CodeInvalidPayload Code = "INVALID_PAYLOAD"

	// Stream errors
	CodeStreamStatusAlreadySet Code = "STREAM_STATUS_ALREADY_SET"
	CodeStreamResumeExternal   Code = "STREAM_RESUME_EXTERNAL"
	CodeStreamPausedExternally Code = "STREAM_PAUSED_EXTERNALLY"
	CodeStreamInvalidStatus    Code = "STREAM_INVALID_STATUS"
	CodeStreamInvalidDirection Code = "STREAM_INVALID_DIRECTION"

	// Authorization errors
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"

	// Peer exchange errors
	CodePeerUnreachable    Code = "PEER_UNREACHABLE"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"

	// Storage errors
	CodeStorageFailure Code = "STORAGE_FAILURE"
)

// HTTPStatus maps a domain code to an HTTP status for the wire surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeConnectionNotFound, CodeRequestNotFound, CodeStreamNotFound:
		return http.StatusNotFound
	case CodeRequestNotUpdatable, CodeRequestDuplicate, CodeSelfReference,
		CodeEndpointInvalid, CodeInvalidPayload, CodeStreamStatusAlreadySet, CodeStreamResumeExternal,
		CodeStreamPausedExternally, CodeStreamInvalidStatus, CodeStreamInvalidDirection:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodePeerUnreachable, CodeVerificationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
