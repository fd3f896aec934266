// Package txn defines the transaction data model the Forwarder classifies
// and routes: read/write key sets plus the internal routing metadata the
// coordinator attaches as it learns each key's master.
package txn

// Type is the classification a transaction is assigned once every key's
// master is known.
type Type int

const (
	TypeUnknown Type = iota
	TypeSingleHome
	TypeMultiHome
)

func (t Type) String() string {
	switch t {
	case TypeSingleHome:
		return "SINGLE_HOME"
	case TypeMultiHome:
		return "MULTI_HOME"
	default:
		return "UNKNOWN"
	}
}

// MasterMetadata records which region currently masters a key, and the
// counter used to detect stale/racing metadata.
type MasterMetadata struct {
	Master  uint32 `msgpack:"master"`
	Counter uint64 `msgpack:"counter"`
}

// Internal carries the routing state the Forwarder builds up for a
// transaction as it classifies it.
type Internal struct {
	ID                 uint64                    `msgpack:"id"`
	Type               Type                      `msgpack:"type"`
	MasterMetadata     map[string]MasterMetadata `msgpack:"master_metadata"`
	InvolvedPartitions []uint32                  `msgpack:"involved_partitions"`
	InvolvedReplicas   []uint32                  `msgpack:"involved_replicas"`
}

// Transaction is the unit the Forwarder routes. ReadSet/WriteSet map key ->
// intended value/placeholder; only the keys matter to the Forwarder.
type Transaction struct {
	ReadSet  map[string]string `msgpack:"read_set"`
	WriteSet map[string]string `msgpack:"write_set"`
	Internal Internal          `msgpack:"internal"`
}

// New creates an empty, unclassified transaction with the given id.
func New(id uint64) *Transaction {
	return &Transaction{
		ReadSet:  make(map[string]string),
		WriteSet: make(map[string]string),
		Internal: Internal{
			ID:             id,
			Type:           TypeUnknown,
			MasterMetadata: make(map[string]MasterMetadata),
		},
	}
}

// Classify assigns and returns the transaction's Type, based on the set of
// distinct masters among the keys it has metadata for so far. It returns
// TypeUnknown (and leaves txn.Internal.Type unset) if any key referenced by
// the read or write set still lacks metadata.
func (t *Transaction) Classify() Type {
	distinct := make(map[uint32]struct{})
	for key := range t.ReadSet {
		md, ok := t.Internal.MasterMetadata[key]
		if !ok {
			return TypeUnknown
		}
		distinct[md.Master] = struct{}{}
	}
	for key := range t.WriteSet {
		md, ok := t.Internal.MasterMetadata[key]
		if !ok {
			return TypeUnknown
		}
		distinct[md.Master] = struct{}{}
	}
	if len(distinct) == 0 {
		return TypeUnknown
	}
	var typ Type
	if len(distinct) == 1 {
		typ = TypeSingleHome
	} else {
		typ = TypeMultiHome
	}
	t.Internal.Type = typ
	return typ
}
