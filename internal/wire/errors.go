package wire

import "errors"

// Error taxonomy for the wire codec and broker/sender transport layer.
var (
	// ErrMalformedFrame means a received frame's header or payload could not
	// be parsed.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrUnknownChannel means a frame addressed a channel nothing has
	// registered a handler for.
	ErrUnknownChannel = errors.New("wire: unknown channel")
	// ErrRedirectConflict means a BrokerRedirect tried to install a tag that
	// is already bound to a different channel.
	ErrRedirectConflict = errors.New("wire: redirect tag already bound to a different channel")
	// ErrBrokerGone means the broker behind a Sender's weak reference has
	// already been torn down.
	ErrBrokerGone = errors.New("wire: broker is gone")
	// ErrTransportFatal wraps an unrecoverable transport-level failure.
	ErrTransportFatal = errors.New("wire: fatal transport error")
)
