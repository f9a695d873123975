package playback

import "errors"

// ErrSinkStopped is returned by Write on a sink that has not been started or was stopped.
var ErrSinkStopped = errors.New("audio sink is not running")
