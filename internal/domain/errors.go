package domain

import "errors"

var (
	// ErrUnknownPreset signals that a requested pdf_option name is not in the
	// loaded preset table. Unknown names fail closed rather than silently
	// falling back to the default preset.
	ErrUnknownPreset = errors.New("unknown pdf option preset")

	// ErrImageFetch signals that a remote image referenced by a header or
	// footer template could not be retrieved.
	ErrImageFetch = errors.New("image fetch failed")
)
