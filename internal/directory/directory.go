// Package directory implements the Endpoint Directory: a pure lookup from a
// machine identifier to its transport endpoint, plus the handful of facts a
// machine needs about its own place in the deployment (its own id, region,
// partition, and the partitioning scheme).
package directory

import (
	"fmt"
	"strconv"
)

// MachineID packs a (region, partition) pair into a single comparable
// value, usable both as a routing destination and as a home.
type MachineID uint32

// MakeMachineID packs a region and partition into a MachineID.
func MakeMachineID(region, partition uint16) MachineID {
	return MachineID(uint32(region)<<16 | uint32(partition))
}

// Region returns the region component of the id.
func (m MachineID) Region() uint16 { return uint16(uint32(m) >> 16) }

// Partition returns the partition component of the id.
func (m MachineID) Partition() uint16 { return uint16(uint32(m) & 0xFFFF) }

func (m MachineID) String() string {
	return fmt.Sprintf("machine(region=%d,partition=%d)", m.Region(), m.Partition())
}

// ErrNonNumericKey is returned by PartitionOfKey when running under simple
// partitioning and the key cannot be parsed as a number.
var ErrNonNumericKey = fmt.Errorf("key is not numeric: simple partitioning requires numeric keys")

// Endpoint is the transport address a machine's broker listens on.
type Endpoint struct {
	MachineID MachineID
	Address   string // e.g. "10.0.0.12:9000"
}

// Directory is a pure machine_id -> endpoint lookup, plus local identity.
type Directory struct {
	endpoints map[MachineID]string

	localMachineID MachineID
	localRegion    uint16
	localPartition uint16
	numPartitions  uint32
	numReplicas    uint32
}

// Config carries the fields needed to construct a Directory.
type Config struct {
	LocalRegion    uint16
	LocalPartition uint16
	NumPartitions  uint32
	NumReplicas    uint32
	Endpoints      []Endpoint
}

// New builds a Directory from a Config.
func New(cfg Config) *Directory {
	d := &Directory{
		endpoints:      make(map[MachineID]string, len(cfg.Endpoints)),
		localRegion:    cfg.LocalRegion,
		localPartition: cfg.LocalPartition,
		numPartitions:  cfg.NumPartitions,
		numReplicas:    cfg.NumReplicas,
	}
	d.localMachineID = MakeMachineID(cfg.LocalRegion, cfg.LocalPartition)
	for _, e := range cfg.Endpoints {
		d.endpoints[e.MachineID] = e.Address
	}
	return d
}

// EndpointOf looks up the transport address for a machine id. ok is false if
// the directory has no entry for it.
func (d *Directory) EndpointOf(id MachineID) (address string, ok bool) {
	address, ok = d.endpoints[id]
	return
}

// LocalMachineID returns this process's own machine id.
func (d *Directory) LocalMachineID() MachineID { return d.localMachineID }

// LocalRegion returns this process's region.
func (d *Directory) LocalRegion() uint16 { return d.localRegion }

// LocalPartition returns this process's partition.
func (d *Directory) LocalPartition() uint16 { return d.localPartition }

// NumPartitions returns the number of partitions per region.
func (d *Directory) NumPartitions() uint32 { return d.numPartitions }

// NumReplicas returns the number of regions (replicas) in the deployment.
func (d *Directory) NumReplicas() uint32 { return d.numReplicas }

// PartitionOfKey implements simple partitioning: a numeric key mod the
// number of partitions. Returns ErrNonNumericKey for non-numeric keys.
func (d *Directory) PartitionOfKey(key string) (uint32, error) {
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, ErrNonNumericKey
	}
	if d.numPartitions == 0 {
		return 0, fmt.Errorf("directory: num_partitions is zero")
	}
	return uint32(n % uint64(d.numPartitions)), nil
}

// KeyIsInLocalPartition reports whether key's owning partition is this
// process's own partition.
func (d *Directory) KeyIsInLocalPartition(key string) (bool, error) {
	p, err := d.PartitionOfKey(key)
	if err != nil {
		return false, err
	}
	return p == uint32(d.localPartition), nil
}
