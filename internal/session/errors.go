package session

import "errors"

// ErrInvalidSource is returned when a playback source is not a known direction.
var ErrInvalidSource = errors.New("invalid playback source")
