package consent

import "errors"

// Error taxonomy for the consent lifecycle. Handlers map these to HTTP
// statuses; everything else surfaces as an internal error.
var (
	// ErrValidation covers bad purpose codes, unknown HI types, missing
	// mandatory fields and unknown parties.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers unknown request, consent and patient identifiers.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller is not the owning patient or
	// the artefact's HIU.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when a request or artefact is not in the
	// status the operation expects, including when a concurrent writer won.
	ErrConflict = errors.New("status conflict")

	// ErrAlreadyExists is returned for a duplicate correlated request id.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPinToken is returned for any PIN-token failure: bad signature, bad
	// format, wrong subject, expiry or replay. Callers cannot distinguish
	// them, by construction.
	ErrPinToken = errors.New("invalid pin token")
)
