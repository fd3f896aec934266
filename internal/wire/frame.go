package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Edwardzcn/SLOG/internal/directory"
)

// headerSize is sizeof(MachineID) + sizeof(Channel): 4 bytes for the
// from-machine id, 8 bytes for the to-channel, both little-endian.
const headerSize = 4 + 8

// EncodeFrame serializes env and prepends the <from_machine_id><to_channel>
// header, producing the bytes that go out over the network for a given
// destination channel. This is the serialized path; same-process delivery
// hands the *Envelope pointer directly to the destination's delivery
// channel (internal/broker.Broker.Deliver) and never calls this.
func EncodeFrame(from directory.MachineID, to Channel, env *Envelope) ([]byte, error) {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(from))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(to))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// DecodeFrameHeader extracts the from-machine-id and to-channel fields
// without touching the payload: a caller that only needs to route the frame
// need not deserialize the envelope at all. (The Broker's connection
// handler uses DecodeFrame, which decodes the whole frame.)
func DecodeFrameHeader(data []byte) (from directory.MachineID, to Channel, payload []byte, err error) {
	if len(data) < headerSize {
		return 0, 0, nil, ErrMalformedFrame
	}
	from = directory.MachineID(binary.LittleEndian.Uint32(data[0:4]))
	to = Channel(binary.LittleEndian.Uint64(data[4:12]))
	payload = data[headerSize:]
	return from, to, payload, nil
}

// DecodeFrame fully decodes a frame into its header fields and Envelope.
func DecodeFrame(data []byte) (from directory.MachineID, to Channel, env *Envelope, err error) {
	from, to, payload, err := DecodeFrameHeader(data)
	if err != nil {
		return 0, 0, nil, err
	}
	env = &Envelope{}
	if err := msgpack.Unmarshal(payload, env); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return from, to, env, nil
}
