// Package forwarder implements the Forwarder: the per-transaction state
// machine that classifies a transaction as single-home or multi-home by
// resolving every key's master (locally or via batched remote lookups) and
// routes it to the appropriate downstream module.
package forwarder

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/Edwardzcn/SLOG/internal/broker"
	"github.com/Edwardzcn/SLOG/internal/directory"
	"github.com/Edwardzcn/SLOG/internal/logging"
	"github.com/Edwardzcn/SLOG/internal/masterindex"
	"github.com/Edwardzcn/SLOG/internal/module"
	"github.com/Edwardzcn/SLOG/internal/sender"
	"github.com/Edwardzcn/SLOG/internal/txn"
	"github.com/Edwardzcn/SLOG/internal/wire"
)

// Options tunes the Forwarder's batching and dispatch behavior.
type Options struct {
	BatchTimeout                 time.Duration
	PollTimeout                  time.Duration
	DefaultMasterRegionForNewKey uint32
	BypassMultiHomeOrderer       bool
	LeaderPartitionForMHOrdering uint16
	Logger                       logging.Logger

	// PendingTxnTTL bounds how long a transaction may sit in
	// pendingTransactions waiting on a remote LookupMaster response before
	// it is evicted and logged as a ForwardTimeout, so a transaction whose
	// peer never answers does not leak forever. Zero disables eviction.
	PendingTxnTTL time.Duration
}

// Forwarder is the per-process instance of the routing state machine. It
// must run on its own Module Runtime goroutine; none of its methods are
// safe to call concurrently with its own handler.
type Forwarder struct {
	dir         *directory.Directory
	snd         *sender.Sender
	lookupIndex masterindex.LookupMasterIndex
	opts        Options
	logger      logging.Logger

	rng *rand.Rand

	runtime *module.Runtime

	// partitionedLookupRequest[p] accumulates keys/txn ids destined for a
	// batched LookupMaster request to partition p, until the batch timer
	// fires.
	partitionedLookupRequest []*wire.LookupMasterRequest
	lookupRequestScheduled   bool

	// pendingTransactions holds forward_txn envelopes still awaiting remote
	// master metadata, keyed by transaction id.
	pendingTransactions map[uint64]*wire.Envelope
	// pendingSince records when each pending transaction was inserted, so the
	// eviction sweep can tell which ones have outlived PendingTxnTTL.
	pendingSince map[uint64]time.Time
}

// New builds a Forwarder. Call Start to register it on a broker and begin
// running its poll loop.
func New(dir *directory.Directory, snd *sender.Sender, lookupIndex masterindex.LookupMasterIndex, opts Options) *Forwarder {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 100 * time.Millisecond
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 50 * time.Millisecond
	}

	partitioned := make([]*wire.LookupMasterRequest, dir.NumPartitions())
	for i := range partitioned {
		partitioned[i] = &wire.LookupMasterRequest{}
	}

	return &Forwarder{
		dir:                      dir,
		snd:                      snd,
		lookupIndex:              lookupIndex,
		opts:                     opts,
		logger:                   opts.Logger,
		rng:                      rand.New(rand.NewSource(time.Now().UnixNano())),
		partitionedLookupRequest: partitioned,
		pendingTransactions:      make(map[uint64]*wire.Envelope),
		pendingSince:             make(map[uint64]time.Time),
	}
}

// Start registers the Forwarder's reserved channel on brk and begins
// running its poll loop in a new goroutine, returning once registration is
// complete. It fails if the forwarder channel is already registered.
func (f *Forwarder) Start(ctx context.Context, brk *broker.Broker) error {
	inbox, err := brk.AddChannel(wire.ChannelForwarder)
	if err != nil {
		return err
	}
	f.runtime = module.New("forwarder", inbox, f.handle, f.opts.PollTimeout)
	if f.opts.PendingTxnTTL > 0 {
		f.runtime.NewTimedCallback(f.opts.PendingTxnTTL, f.evictStalePending)
	}
	go f.runtime.Run(ctx)
	return nil
}

// evictStalePending drops pending transactions that have waited longer than
// PendingTxnTTL for a remote LookupMaster response, logging a
// ForwardTimeout instead of leaking them forever, then reschedules itself.
func (f *Forwarder) evictStalePending() {
	now := time.Now()
	for id, since := range f.pendingSince {
		if now.Sub(since) >= f.opts.PendingTxnTTL {
			delete(f.pendingTransactions, id)
			delete(f.pendingSince, id)
			f.logger.Warnw("forwarder: ForwardTimeout, evicting stale pending transaction", "txn_id", id)
		}
	}
	f.runtime.NewTimedCallback(f.opts.PendingTxnTTL, f.evictStalePending)
}

func (f *Forwarder) handle(env *wire.Envelope) {
	switch {
	case env.HasRequest():
		switch env.Request.Kind {
		case wire.RequestForwardTxn:
			f.processForwardTxn(env)
		case wire.RequestLookupMaster:
			f.processLookupMasterRequest(env)
		default:
			f.logger.Errorw("forwarder: unexpected request kind", "kind", env.Request.Kind)
		}
	case env.HasResponse():
		switch env.Response.Kind {
		case wire.ResponseLookupMaster:
			f.handleLookupMasterResponse(env)
		default:
			f.logger.Errorw("forwarder: unexpected response kind", "kind", env.Response.Kind)
		}
	}
}

// processForwardTxn classifies the keys of a newly arrived transaction,
// resolving masters locally where possible and batching remote lookups for
// the rest.
func (f *Forwarder) processForwardTxn(env *wire.Envelope) {
	t := env.Request.ForwardTxn.Txn

	var involvedPartitions []uint32
	needRemoteLookup := false

	localMasterLookup := func(keys map[string]string) bool {
		for key := range keys {
			partition, err := f.dir.PartitionOfKey(key)
			if err != nil {
				f.logger.Warnw("forwarder: non-numeric key, dropping transaction", "key", key, "txn_id", t.Internal.ID)
				return false
			}
			involvedPartitions = append(involvedPartitions, partition)

			if partition == uint32(f.dir.LocalPartition()) {
				md, ok := f.lookupIndex.GetMasterMetadata(key)
				if !ok {
					md = txn.MasterMetadata{Master: f.opts.DefaultMasterRegionForNewKey, Counter: 0}
				}
				t.Internal.MasterMetadata[key] = md
			} else {
				f.bufferKey(partition, key)
				needRemoteLookup = true
			}
		}
		return true
	}

	if !localMasterLookup(t.ReadSet) {
		return
	}
	if !localMasterLookup(t.WriteSet) {
		return
	}

	t.Internal.InvolvedPartitions = dedupSortedUint32(involvedPartitions)

	if !needRemoteLookup {
		t.Classify()
		f.forward(env)
		return
	}

	for _, p := range t.Internal.InvolvedPartitions {
		f.bufferTxnID(p, t.Internal.ID)
	}
	f.pendingTransactions[t.Internal.ID] = env
	f.pendingSince[t.Internal.ID] = time.Now()

	if !f.lookupRequestScheduled {
		f.runtime.NewTimedCallback(f.opts.BatchTimeout, f.flushLookupRequests)
		f.lookupRequestScheduled = true
	}
}

func (f *Forwarder) flushLookupRequests() {
	localRegion := f.dir.LocalRegion()
	numPartitions := f.dir.NumPartitions()
	for part := uint32(0); part < numPartitions; part++ {
		if part == uint32(f.dir.LocalPartition()) {
			f.partitionedLookupRequest[part] = &wire.LookupMasterRequest{}
			continue
		}
		req := f.partitionedLookupRequest[part]
		if len(req.Keys) == 0 && len(req.TxnIDs) == 0 {
			continue
		}
		dest := directory.MakeMachineID(localRegion, uint16(part))
		reqEnv := wire.NewRequestEnvelope(&wire.Request{Kind: wire.RequestLookupMaster, LookupMaster: req})
		if err := f.snd.Send(reqEnv, dest, wire.ChannelForwarder); err != nil {
			f.logger.Warnw("forwarder: failed to send batched lookup request", "partition", part, "err", err)
		}
		f.partitionedLookupRequest[part] = &wire.LookupMasterRequest{}
	}
	f.lookupRequestScheduled = false
}

func (f *Forwarder) bufferKey(partition uint32, key string) {
	req := f.partitionedLookupRequest[partition]
	req.Keys = append(req.Keys, key)
}

func (f *Forwarder) bufferTxnID(partition uint32, txnID uint64) {
	req := f.partitionedLookupRequest[partition]
	req.TxnIDs = append(req.TxnIDs, txnID)
}

// processLookupMasterRequest is the peer role: answer a batched lookup
// request for keys owned by our own partition.
func (f *Forwarder) processLookupMasterRequest(env *wire.Envelope) {
	req := env.Request.LookupMaster
	resp := &wire.LookupMasterResponse{
		TxnIDs:         req.TxnIDs,
		MasterMetadata: make(map[string]txn.MasterMetadata, len(req.Keys)),
	}

	for _, key := range req.Keys {
		inLocal, err := f.dir.KeyIsInLocalPartition(key)
		if err != nil || !inLocal {
			continue
		}
		md, ok := f.lookupIndex.GetMasterMetadata(key)
		if !ok {
			md = txn.MasterMetadata{Master: f.opts.DefaultMasterRegionForNewKey, Counter: 0}
		}
		resp.MasterMetadata[key] = md
	}

	respEnv := wire.NewResponseEnvelope(env, &wire.Response{Kind: wire.ResponseLookupMaster, LookupMaster: resp})
	if err := f.snd.Send(respEnv, env.From, wire.ChannelForwarder); err != nil {
		f.logger.Warnw("forwarder: failed to reply to lookup master request", "err", err)
	}
}

// handleLookupMasterResponse merges returned metadata into each pending
// transaction it concerns, forwarding any that become classifiable.
func (f *Forwarder) handleLookupMasterResponse(env *wire.Envelope) {
	resp := env.Response.LookupMaster

	for _, txnID := range resp.TxnIDs {
		pendingEnv, ok := f.pendingTransactions[txnID]
		if !ok {
			continue
		}
		t := pendingEnv.Request.ForwardTxn.Txn

		for key := range t.ReadSet {
			if md, ok := resp.MasterMetadata[key]; ok {
				t.Internal.MasterMetadata[key] = md
			}
		}
		for key := range t.WriteSet {
			if md, ok := resp.MasterMetadata[key]; ok {
				t.Internal.MasterMetadata[key] = md
			}
		}

		if txnType := t.Classify(); txnType != txn.TypeUnknown {
			f.forward(pendingEnv)
			delete(f.pendingTransactions, txnID)
			delete(f.pendingSince, txnID)
		}
	}
}

// forward dispatches a fully-classified transaction to its downstream
// destination.
func (f *Forwarder) forward(env *wire.Envelope) {
	t := env.Request.ForwardTxn.Txn

	switch t.Internal.Type {
	case txn.TypeSingleHome:
		homeRegion := firstMaster(t)
		if uint32(f.dir.LocalRegion()) == homeRegion {
			if err := f.snd.SendLocal(env, wire.ChannelSequencer); err != nil {
				f.logger.Warnw("forwarder: local dispatch to sequencer failed", "err", err)
			}
			return
		}
		partition := f.chooseRandomPartition(t)
		dest := directory.MakeMachineID(uint16(homeRegion), uint16(partition))
		if err := f.snd.Send(env, dest, wire.ChannelSequencer); err != nil {
			f.logger.Warnw("forwarder: dispatch to home-region sequencer failed", "err", err)
		}

	case txn.TypeMultiHome:
		f.populateInvolvedReplicas(t)

		if f.opts.BypassMultiHomeOrderer {
			part := f.chooseRandomPartition(t)
			seqDests := make([]directory.MachineID, 0, len(t.Internal.InvolvedReplicas))
			for _, rep := range t.Internal.InvolvedReplicas {
				seqDests = append(seqDests, directory.MakeMachineID(uint16(rep), uint16(part)))
			}
			if err := f.snd.MultiSend(env, seqDests, wire.ChannelSequencer); err != nil {
				f.logger.Warnw("forwarder: multi-home fan-out to sequencers failed", "err", err)
			}

			var schedDests []directory.MachineID
			for _, p := range t.Internal.InvolvedPartitions {
				for rep := uint32(0); rep < f.dir.NumReplicas(); rep++ {
					schedDests = append(schedDests, directory.MakeMachineID(uint16(rep), uint16(p)))
				}
			}
			if err := f.snd.MultiSend(env, schedDests, wire.ChannelScheduler); err != nil {
				f.logger.Warnw("forwarder: multi-home fan-out to schedulers failed", "err", err)
			}
			return
		}

		dest := directory.MakeMachineID(f.dir.LocalRegion(), f.opts.LeaderPartitionForMHOrdering)
		if err := f.snd.Send(env, dest, wire.ChannelMultiHomeOrderer); err != nil {
			f.logger.Warnw("forwarder: dispatch to multi-home orderer failed", "err", err)
		}
	}
}

func (f *Forwarder) populateInvolvedReplicas(t *txn.Transaction) {
	seen := make(map[uint32]struct{})
	for _, md := range t.Internal.MasterMetadata {
		seen[md.Master] = struct{}{}
	}
	replicas := make([]uint32, 0, len(seen))
	for r := range seen {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	t.Internal.InvolvedReplicas = replicas
}

func (f *Forwarder) chooseRandomPartition(t *txn.Transaction) uint32 {
	parts := t.Internal.InvolvedPartitions
	return parts[f.rng.Intn(len(parts))]
}

func firstMaster(t *txn.Transaction) uint32 {
	for _, md := range t.Internal.MasterMetadata {
		return md.Master
	}
	return 0
}

func dedupSortedUint32(in []uint32) []uint32 {
	if len(in) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), in...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
