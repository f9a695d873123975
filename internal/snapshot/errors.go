package snapshot

import "errors"

// ErrImageTooLarge means the image header declares more pixels than the store accepts.
var ErrImageTooLarge = errors.New("snapshot image too large")
