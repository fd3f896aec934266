// Package wire implements the Wire Codec: the Envelope message family and
// the framing used to move it between machines or, in-process, between
// channels without serializing it at all.
package wire

import (
	"time"

	"github.com/google/uuid"

	"github.com/Edwardzcn/SLOG/internal/directory"
	"github.com/Edwardzcn/SLOG/internal/txn"
)

// Channel names an in-process handler a frame is addressed to.
type Channel uint64

// Reserved channels. 0 is never a valid destination. The fixed module
// channels sit above 1000, so channel numbers from 1 to 1000 are free for
// application channels and redirect tags.
const (
	ChannelReserved         Channel = 0
	ChannelBroker           Channel = 1001
	ChannelSequencer        Channel = 1002
	ChannelForwarder        Channel = 1003
	ChannelScheduler        Channel = 1004
	ChannelMultiHomeOrderer Channel = 1005
)

// IsReserved reports whether c is one of the fixed module channels above
// (including ChannelReserved itself) rather than a dynamically assigned
// redirect tag. The broker uses this to tell a module that forgot to
// AddChannel (an unknown channel: log and drop) apart from a tag with no
// redirection installed yet (queue until one is).
func (c Channel) IsReserved() bool {
	return c == ChannelReserved || (c >= ChannelBroker && c <= ChannelMultiHomeOrderer)
}

// RequestKind tags which arm of the Request union is populated.
type RequestKind string

const (
	RequestEcho           RequestKind = "echo"
	RequestForwardTxn     RequestKind = "forward_txn"
	RequestLookupMaster   RequestKind = "lookup_master"
	RequestBrokerRedirect RequestKind = "broker_redirect"
)

// ResponseKind tags which arm of the Response union is populated.
type ResponseKind string

const (
	ResponseEcho         ResponseKind = "echo"
	ResponseLookupMaster ResponseKind = "lookup_master"
)

// EchoMessage is used by the ping-pong test scenarios and as a generic
// liveness probe.
type EchoMessage struct {
	Data string `msgpack:"data"`
}

// ForwardTxnMessage carries a transaction into the Forwarder for
// classification and routing.
type ForwardTxnMessage struct {
	Txn *txn.Transaction `msgpack:"txn"`
}

// LookupMasterRequest asks a partition's Forwarder to resolve the master of
// a set of keys, tagged with the transaction ids waiting on the answer.
type LookupMasterRequest struct {
	Keys   []string `msgpack:"keys"`
	TxnIDs []uint64 `msgpack:"txn_ids"`
}

// LookupMasterResponse answers a LookupMasterRequest.
type LookupMasterResponse struct {
	TxnIDs         []uint64                      `msgpack:"txn_ids"`
	MasterMetadata map[string]txn.MasterMetadata `msgpack:"master_metadata"`
}

// BrokerRedirect installs or removes a tag -> channel redirection at a
// broker. Stop=true removes an existing redirection for Tag.
type BrokerRedirect struct {
	Tag     Channel `msgpack:"tag"`
	Channel Channel `msgpack:"channel"`
	Stop    bool    `msgpack:"stop"`
}

// Request is a tagged union of the request message kinds.
type Request struct {
	Kind           RequestKind          `msgpack:"kind"`
	Echo           *EchoMessage         `msgpack:"echo,omitempty"`
	ForwardTxn     *ForwardTxnMessage   `msgpack:"forward_txn,omitempty"`
	LookupMaster   *LookupMasterRequest `msgpack:"lookup_master,omitempty"`
	BrokerRedirect *BrokerRedirect      `msgpack:"broker_redirect,omitempty"`
}

// Response is a tagged union of the response message kinds.
type Response struct {
	Kind         ResponseKind          `msgpack:"kind"`
	Echo         *EchoMessage          `msgpack:"echo,omitempty"`
	LookupMaster *LookupMasterResponse `msgpack:"lookup_master,omitempty"`
}

// Envelope is the top-level message exchanged between machines: exactly one
// of Request/Response is populated.
type Envelope struct {
	ID       string              `msgpack:"id"`
	From     directory.MachineID `msgpack:"from"`
	Request  *Request            `msgpack:"request,omitempty"`
	Response *Response           `msgpack:"response,omitempty"`

	Timestamp time.Time `msgpack:"timestamp"`
	TraceID   string    `msgpack:"trace_id"`
	SpanID    string    `msgpack:"span_id"`
	HopCount  int       `msgpack:"hop_count"`
}

// NewRequestEnvelope builds an envelope carrying a request.
func NewRequestEnvelope(req *Request) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Request:   req,
		Timestamp: time.Now(),
		TraceID:   uuid.NewString(),
		SpanID:    uuid.NewString(),
	}
}

// NewResponseEnvelope builds an envelope carrying a response, linking its
// trace to the originating request's envelope.
func NewResponseEnvelope(original *Envelope, resp *Response) *Envelope {
	env := &Envelope{
		ID:        uuid.NewString(),
		Response:  resp,
		Timestamp: time.Now(),
		SpanID:    uuid.NewString(),
	}
	if original != nil {
		env.TraceID = original.TraceID
	} else {
		env.TraceID = uuid.NewString()
	}
	return env
}

// HasRequest reports whether this envelope carries a request.
func (e *Envelope) HasRequest() bool { return e.Request != nil }

// HasResponse reports whether this envelope carries a response.
func (e *Envelope) HasResponse() bool { return e.Response != nil }
