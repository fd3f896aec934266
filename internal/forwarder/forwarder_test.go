package forwarder_test

import (
	"context"
	"testing"
	"time"

	"github.com/Edwardzcn/SLOG/internal/broker"
	"github.com/Edwardzcn/SLOG/internal/directory"
	"github.com/Edwardzcn/SLOG/internal/forwarder"
	"github.com/Edwardzcn/SLOG/internal/logging"
	"github.com/Edwardzcn/SLOG/internal/masterindex"
	"github.com/Edwardzcn/SLOG/internal/sender"
	"github.com/Edwardzcn/SLOG/internal/txn"
	"github.com/Edwardzcn/SLOG/internal/wire"
)

func addChannel(t *testing.T, brk *broker.Broker, ch wire.Channel) <-chan *wire.Envelope {
	t.Helper()
	inbox, err := brk.AddChannel(ch)
	if err != nil {
		t.Fatalf("add channel %v: %v", ch, err)
	}
	return inbox
}

func startForwarder(t *testing.T, ctx context.Context, fwd *forwarder.Forwarder, brk *broker.Broker) {
	t.Helper()
	if err := fwd.Start(ctx, brk); err != nil {
		t.Fatalf("start forwarder: %v", err)
	}
}

func recvOrFail(t *testing.T, ch <-chan *wire.Envelope, timeout time.Duration) *wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func recvExpectNothing(t *testing.T, ch <-chan *wire.Envelope, wait time.Duration) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("expected no delivery, got envelope %s", env.ID)
	case <-time.After(wait):
	}
}

func forwardTxnEnvelope(tx *txn.Transaction) *wire.Envelope {
	return wire.NewRequestEnvelope(&wire.Request{Kind: wire.RequestForwardTxn, ForwardTxn: &wire.ForwardTxnMessage{Txn: tx}})
}

// TestLocalOnlyFastPath: every key in the transaction resolves to the local
// partition, so the transaction is classified and dispatched without any
// remote LookupMaster round trip.
func TestLocalOnlyFastPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machine := directory.MakeMachineID(0, 0)
	brk := broker.New(machine, "127.0.0.1:0", logging.Nop())
	if err := brk.Start(ctx); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer brk.Stop()

	// Only this machine is known: partition 1 has no endpoint, so any
	// attempt at a remote lookup would fail loudly rather than silently
	// succeed, making this test sensitive to an accidental remote call.
	dir := directory.New(directory.Config{
		LocalRegion: 0, LocalPartition: 0, NumPartitions: 2, NumReplicas: 1,
		Endpoints: []directory.Endpoint{{MachineID: machine, Address: brk.Addr().String()}},
	})
	snd := sender.New(machine, dir, brk.WeakRef(), logging.Nop())
	defer snd.Close()

	seqInbox := addChannel(t, brk, wire.ChannelSequencer)
	lookupIndex := masterindex.NewInMemory()

	fwd := forwarder.New(dir, snd, lookupIndex, forwarder.Options{
		BatchTimeout: 20 * time.Millisecond,
		PollTimeout:  5 * time.Millisecond,
		Logger:       logging.Nop(),
	})
	startForwarder(t, ctx, fwd, brk)

	tx := txn.New(1)
	tx.ReadSet["100"] = "" // 100 % 2 == 0 == local partition

	if err := snd.SendLocal(forwardTxnEnvelope(tx), wire.ChannelForwarder); err != nil {
		t.Fatalf("submit forward_txn: %v", err)
	}

	env := recvOrFail(t, seqInbox, time.Second)
	got := env.Request.ForwardTxn.Txn
	if got.Internal.Type != txn.TypeSingleHome {
		t.Fatalf("expected SINGLE_HOME, got %v", got.Internal.Type)
	}

	recvExpectNothing(t, seqInbox, 50*time.Millisecond)
}

// TestMultiHomeDispatch: a transaction whose keys have distinct masters is
// classified MULTI_HOME and, with BypassMultiHomeOrderer set, fanned out
// directly to sequencers and schedulers.
func TestMultiHomeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machine := directory.MakeMachineID(0, 0)
	brk := broker.New(machine, "127.0.0.1:0", logging.Nop())
	if err := brk.Start(ctx); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer brk.Stop()

	addr := brk.Addr().String()
	otherReplicaMachine := directory.MakeMachineID(1, 0)
	dir := directory.New(directory.Config{
		LocalRegion: 0, LocalPartition: 0, NumPartitions: 1, NumReplicas: 2,
		Endpoints: []directory.Endpoint{
			{MachineID: machine, Address: addr},
			{MachineID: otherReplicaMachine, Address: addr}, // same physical broker, distinct machine id
		},
	})
	snd := sender.New(machine, dir, brk.WeakRef(), logging.Nop())
	defer snd.Close()

	seqInbox := addChannel(t, brk, wire.ChannelSequencer)
	schedInbox := addChannel(t, brk, wire.ChannelScheduler)

	lookupIndex := masterindex.NewInMemory()
	lookupIndex.Put("100", txn.MasterMetadata{Master: 0})
	lookupIndex.Put("200", txn.MasterMetadata{Master: 1})

	fwd := forwarder.New(dir, snd, lookupIndex, forwarder.Options{
		BatchTimeout:           20 * time.Millisecond,
		PollTimeout:            5 * time.Millisecond,
		BypassMultiHomeOrderer: true,
		Logger:                 logging.Nop(),
	})
	startForwarder(t, ctx, fwd, brk)

	tx := txn.New(2)
	tx.ReadSet["100"] = ""
	tx.WriteSet["200"] = ""

	if err := snd.SendLocal(forwardTxnEnvelope(tx), wire.ChannelForwarder); err != nil {
		t.Fatalf("submit forward_txn: %v", err)
	}

	// Two involved replicas -> two sequencer deliveries; one involved
	// partition times two replicas -> two scheduler deliveries.
	for i := 0; i < 2; i++ {
		env := recvOrFail(t, seqInbox, time.Second)
		if env.Request.ForwardTxn.Txn.Internal.Type != txn.TypeMultiHome {
			t.Fatalf("expected MULTI_HOME at sequencer, got %v", env.Request.ForwardTxn.Txn.Internal.Type)
		}
	}
	for i := 0; i < 2; i++ {
		env := recvOrFail(t, schedInbox, time.Second)
		if env.Request.ForwardTxn.Txn.Internal.Type != txn.TypeMultiHome {
			t.Fatalf("expected MULTI_HOME at scheduler, got %v", env.Request.ForwardTxn.Txn.Internal.Type)
		}
	}
}

// TestRemoteLookupBatching: a key outside the local partition triggers a
// batched LookupMaster request to that partition, and the response
// classifies and dispatches the transaction.
func TestRemoteLookupBatching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machineA := directory.MakeMachineID(0, 0) // owns partition 0, processes the txn
	machineB := directory.MakeMachineID(0, 1) // owns partition 1

	brkA := broker.New(machineA, "127.0.0.1:0", logging.Nop())
	brkB := broker.New(machineB, "127.0.0.1:0", logging.Nop())
	if err := brkA.Start(ctx); err != nil {
		t.Fatalf("start broker A: %v", err)
	}
	if err := brkB.Start(ctx); err != nil {
		t.Fatalf("start broker B: %v", err)
	}
	defer brkA.Stop()
	defer brkB.Stop()

	endpoints := []directory.Endpoint{
		{MachineID: machineA, Address: brkA.Addr().String()},
		{MachineID: machineB, Address: brkB.Addr().String()},
	}
	dirA := directory.New(directory.Config{LocalRegion: 0, LocalPartition: 0, NumPartitions: 2, NumReplicas: 1, Endpoints: endpoints})
	dirB := directory.New(directory.Config{LocalRegion: 0, LocalPartition: 1, NumPartitions: 2, NumReplicas: 1, Endpoints: endpoints})

	sndA := sender.New(machineA, dirA, brkA.WeakRef(), logging.Nop())
	sndB := sender.New(machineB, dirB, brkB.WeakRef(), logging.Nop())
	defer sndA.Close()
	defer sndB.Close()

	seqInbox := addChannel(t, brkA, wire.ChannelSequencer)

	indexA := masterindex.NewInMemory()
	indexB := masterindex.NewInMemory()
	indexB.Put("101", txn.MasterMetadata{Master: 0, Counter: 5}) // 101 % 2 == 1, owned by B

	fwdA := forwarder.New(dirA, sndA, indexA, forwarder.Options{
		BatchTimeout: 10 * time.Millisecond,
		PollTimeout:  5 * time.Millisecond,
		Logger:       logging.Nop(),
	})
	startForwarder(t, ctx, fwdA, brkA)

	fwdB := forwarder.New(dirB, sndB, indexB, forwarder.Options{
		BatchTimeout: 10 * time.Millisecond,
		PollTimeout:  5 * time.Millisecond,
		Logger:       logging.Nop(),
	})
	startForwarder(t, ctx, fwdB, brkB)

	tx := txn.New(3)
	tx.ReadSet["101"] = "" // remote key, owned by partition 1

	if err := sndA.SendLocal(forwardTxnEnvelope(tx), wire.ChannelForwarder); err != nil {
		t.Fatalf("submit forward_txn: %v", err)
	}

	env := recvOrFail(t, seqInbox, 2*time.Second)
	got := env.Request.ForwardTxn.Txn
	if got.Internal.Type != txn.TypeSingleHome {
		t.Fatalf("expected SINGLE_HOME after remote lookup, got %v", got.Internal.Type)
	}
	if md := got.Internal.MasterMetadata["101"]; md.Master != 0 || md.Counter != 5 {
		t.Fatalf("expected resolved master metadata {0,5}, got %+v", md)
	}
}
