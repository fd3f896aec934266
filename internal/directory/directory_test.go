package directory_test

import (
	"testing"

	"github.com/Edwardzcn/SLOG/internal/directory"
)

func TestMachineIDPacking(t *testing.T) {
	id := directory.MakeMachineID(7, 42)
	if id.Region() != 7 {
		t.Fatalf("region: want 7, got %d", id.Region())
	}
	if id.Partition() != 42 {
		t.Fatalf("partition: want 42, got %d", id.Partition())
	}
}

func TestPartitionOfKeySimplePartitioning(t *testing.T) {
	dir := directory.New(directory.Config{
		LocalRegion: 0, LocalPartition: 1, NumPartitions: 4, NumReplicas: 1,
	})

	part, err := dir.PartitionOfKey("101")
	if err != nil {
		t.Fatalf("PartitionOfKey: %v", err)
	}
	if part != 101%4 {
		t.Fatalf("want partition %d, got %d", 101%4, part)
	}
}

func TestPartitionOfKeyNonNumeric(t *testing.T) {
	dir := directory.New(directory.Config{NumPartitions: 4})
	if _, err := dir.PartitionOfKey("not-a-number"); err != directory.ErrNonNumericKey {
		t.Fatalf("expected ErrNonNumericKey, got %v", err)
	}
}

func TestKeyIsInLocalPartition(t *testing.T) {
	dir := directory.New(directory.Config{LocalRegion: 0, LocalPartition: 1, NumPartitions: 2, NumReplicas: 1})

	local, err := dir.KeyIsInLocalPartition("101") // 101 % 2 == 1
	if err != nil {
		t.Fatalf("KeyIsInLocalPartition: %v", err)
	}
	if !local {
		t.Fatal("expected key 101 to be local to partition 1")
	}

	local, err = dir.KeyIsInLocalPartition("100") // 100 % 2 == 0
	if err != nil {
		t.Fatalf("KeyIsInLocalPartition: %v", err)
	}
	if local {
		t.Fatal("expected key 100 not to be local to partition 1")
	}
}

func TestEndpointOfUnknownMachine(t *testing.T) {
	dir := directory.New(directory.Config{})
	if _, ok := dir.EndpointOf(directory.MakeMachineID(9, 9)); ok {
		t.Fatal("expected no endpoint for a machine id the directory was never told about")
	}
}

func TestEndpointOfKnownMachine(t *testing.T) {
	id := directory.MakeMachineID(0, 1)
	dir := directory.New(directory.Config{
		Endpoints: []directory.Endpoint{{MachineID: id, Address: "10.0.0.1:9000"}},
	})
	addr, ok := dir.EndpointOf(id)
	if !ok || addr != "10.0.0.1:9000" {
		t.Fatalf("want (10.0.0.1:9000, true), got (%s, %v)", addr, ok)
	}
}
