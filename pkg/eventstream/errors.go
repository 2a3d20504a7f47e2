package eventstream

import "errors"

// ErrNilEvent indicates a nil event was provided to a publisher.
var ErrNilEvent = errors.New("nil event")

// ErrDropped indicates a publisher had no room to queue an event.
var ErrDropped = errors.New("event dropped")
