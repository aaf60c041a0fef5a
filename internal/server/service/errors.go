package service

import (
	"errors"
	"fmt"

	"notekeep/internal/server/archive"
	"notekeep/internal/server/database"
	"notekeep/internal/server/staging"
	"notekeep/internal/server/storage"
	"notekeep/internal/server/typecheck"
)

// Sentinel errors for the service layer. Every terminal failure of an
// upload wraps exactly one of these.
var (
	ErrIOFailure        = errors.New("i/o failure")
	ErrStorageFailure   = errors.New("storage failure")
	ErrSessionConflict  = errors.New("session conflict")
	ErrIncompleteUpload = errors.New("upload incomplete")
	ErrInvalidType      = errors.New("file type not allowed")
	ErrOversized        = errors.New("file exceeds maximum allowed size")
	ErrBadArchive       = errors.New("invalid or corrupt zip archive")
	ErrEmptyArchive     = errors.New("zip archive contains no files")
	ErrDuplicateContent = errors.New("duplicate content")
	ErrPersistence      = errors.New("persistence failure")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotFound         = errors.New("not found")
)

// Reason codes reported to clients.
const (
	ReasonIOFailure        = "io_failure"
	ReasonStorageFailure   = "storage_failure"
	ReasonSessionConflict  = "session_conflict"
	ReasonIncompleteUpload = "incomplete_upload"
	ReasonInvalidType      = "invalid_type"
	ReasonOversized        = "oversized_artifact"
	ReasonBadArchive       = "bad_archive"
	ReasonEmptyArchive     = "empty_archive"
	ReasonDuplicateContent = "duplicate_content"
	ReasonPersistence      = "persistence_failure"
	ReasonInvalidRequest   = "invalid_request"
	ReasonNotFound         = "not_found"
	ReasonInternal         = "internal_error"
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrIOFailure, ReasonIOFailure},
	{ErrStorageFailure, ReasonStorageFailure},
	{ErrSessionConflict, ReasonSessionConflict},
	{ErrIncompleteUpload, ReasonIncompleteUpload},
	{ErrInvalidType, ReasonInvalidType},
	{ErrOversized, ReasonOversized},
	{ErrBadArchive, ReasonBadArchive},
	{ErrEmptyArchive, ReasonEmptyArchive},
	{ErrDuplicateContent, ReasonDuplicateContent},
	{ErrPersistence, ReasonPersistence},
	{ErrInvalidRequest, ReasonInvalidRequest},
	{ErrNotFound, ReasonNotFound},
}

// ReasonCode returns the stable client-facing code for err.
func ReasonCode(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ReasonInternal
}

// Retryable reports whether the caller should resend the same part.
func Retryable(err error) bool {
	return errors.Is(err, ErrIOFailure)
}

// terminal converts a retryable failure into ErrStorageFailure. It applies
// once a session has been taken past receiving: its parts are discarded, so
// resending one would only open a new, empty session.
func terminal(err error) error {
	if errors.Is(err, ErrIOFailure) {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return err
}

// classify maps errors from the lower layers onto the service taxonomy.
// Errors already carrying a service sentinel pass through unchanged.
func classify(err error) error {
	if err == nil || ReasonCode(err) != ReasonInternal {
		return err
	}
	var kind error
	switch {
	case errors.Is(err, staging.ErrSessionConflict):
		kind = ErrSessionConflict
	case errors.Is(err, staging.ErrInvalidSession):
		kind = ErrInvalidRequest
	case errors.Is(err, staging.ErrIncompleteUpload):
		kind = ErrIncompleteUpload
	case errors.Is(err, staging.ErrOversized), errors.Is(err, archive.ErrOversized):
		kind = ErrOversized
	case errors.Is(err, typecheck.ErrInvalidType):
		kind = ErrInvalidType
	case errors.Is(err, archive.ErrBadArchive):
		kind = ErrBadArchive
	case errors.Is(err, archive.ErrEmptyArchive):
		kind = ErrEmptyArchive
	case errors.Is(err, database.ErrNoteNotFound), errors.Is(err, database.ErrArtifactNotFound),
		errors.Is(err, storage.ErrNotFound):
		kind = ErrNotFound
	case errors.Is(err, staging.ErrIOFailure), errors.Is(err, storage.ErrIOFailure):
		kind = ErrIOFailure
	default:
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
