// Package registry implements the core of the Docker Registry HTTP API v2:
// content-addressed blob storage, resumable uploads, manifest and tag
// metadata, and repository-scoped access control.
package registry

import "errors"

// Protocol-visible error codes, returned in {"errors":[{code,message}]}
// bodies. Clients branch on the code, not the message.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeDenied            = "DENIED"
	CodeBlobUnknown       = "BLOB_UNKNOWN"
	CodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	CodeManifestUnknown   = "MANIFEST_UNKNOWN"
	CodeManifestInvalid   = "MANIFEST_INVALID"
	CodeDigestInvalid     = "DIGEST_INVALID"
	CodeNameInvalid       = "NAME_INVALID"
	CodeSizeInvalid       = "SIZE_INVALID"
	CodeTooManyRequests   = "TOOMANYREQUESTS"
)

// Sentinel errors for the stores; the HTTP layer maps them to codes.
var (
	ErrBlobUnknown       = errors.New("blob unknown")
	ErrUploadUnknown     = errors.New("blob upload unknown")
	ErrManifestUnknown   = errors.New("manifest unknown")
	ErrManifestInvalid   = errors.New("manifest invalid")
	ErrDigestMismatch    = errors.New("digest mismatch")
	ErrDenied            = errors.New("access denied")
	ErrRepositoryUnknown = errors.New("repository unknown")
)

// ErrorItem is an individual registry error.
type ErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the registry error body shape.
type ErrorResponse struct {
	Errors []ErrorItem `json:"errors"`
}
