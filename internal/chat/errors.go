package chat

import (
	"errors"
	"fmt"
)

// ErrForbidden is the base of all authorization denials. Handlers surface
// it uniformly; the wrapped sub-reason stays server-side for logging.
var ErrForbidden = errors.New("forbidden")

var (
	// ErrNotAParticipant denies a user with no roster row at all.
	ErrNotAParticipant = fmt.Errorf("%w: not a participant", ErrForbidden)
	// ErrHasLeft denies a user whose roster row has left_at set.
	ErrHasLeft = fmt.Errorf("%w: participant has left", ErrForbidden)
)

// ErrValidation marks missing or empty required fields, detected before
// any write.
var ErrValidation = errors.New("validation failed")
