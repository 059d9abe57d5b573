package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidCanonicalID = errors.New("invalid canonical id")
	ErrInvalidMatchType   = errors.New("invalid match type")
	ErrSuperseded         = errors.New("superseded by a higher-precedence entry")
)
