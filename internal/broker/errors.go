package broker

import "errors"

// ErrRedirectOverflow is returned (and logged) when a tag's pending queue
// would exceed the broker's per-tag bound (MaxTagQueueLen unless changed
// with SetMaxTagQueueLen) before a redirection for it is installed.
var ErrRedirectOverflow = errors.New("broker: redirect pending queue overflow")

// ErrDuplicateChannel is returned by AddChannel when the channel is already
// registered on this broker.
var ErrDuplicateChannel = errors.New("broker: channel already registered")
