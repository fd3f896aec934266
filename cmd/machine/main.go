// Command machine runs one coordinator process for a single (region,
// partition) of a deployment: its Broker, Sender, stub downstream channels
// (Sequencer/Scheduler/MultiHomeOrderer), and its Forwarder.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Edwardzcn/SLOG/internal/broker"
	"github.com/Edwardzcn/SLOG/internal/config"
	"github.com/Edwardzcn/SLOG/internal/directory"
	"github.com/Edwardzcn/SLOG/internal/forwarder"
	"github.com/Edwardzcn/SLOG/internal/logging"
	"github.com/Edwardzcn/SLOG/internal/masterindex"
	"github.com/Edwardzcn/SLOG/internal/sender"
	"github.com/Edwardzcn/SLOG/internal/wire"
)

func main() {
	configPath := flag.String("config", "config/machine.yaml", "path to machine YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}

	logger := logging.NewZap(cfg.Debug)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := directory.New(cfg.DirectoryConfig())
	localMachineID := dir.LocalMachineID()

	brk := broker.New(localMachineID, cfg.ListenAddress, logger)
	brk.SetMaxTagQueueLen(cfg.MaxTagQueueLen)
	if err := brk.Start(ctx); err != nil {
		log.Fatalf("failed to start broker: %v", err)
	}
	logger.Infow("broker listening", "address", brk.Addr())

	snd := sender.New(localMachineID, dir, brk.WeakRef(), logger)
	defer snd.Close()

	var lookupIndex masterindex.LookupMasterIndex
	if cfg.BadgerDir != "" {
		badgerIndex, err := masterindex.NewBadger(masterindex.DefaultBadgerConfig(cfg.BadgerDir))
		if err != nil {
			log.Fatalf("failed to open badger master index: %v", err)
		}
		defer badgerIndex.Close()
		lookupIndex = badgerIndex
	} else {
		lookupIndex = masterindex.NewInMemory()
	}

	// Downstream modules (Sequencer, Scheduler, MultiHomeOrderer) are out of
	// this repo's scope; register stub channels so dispatched frames have
	// somewhere to land rather than being dropped as unknown channels.
	startLoggingStub(ctx, brk, wire.ChannelSequencer, "sequencer", logger)
	startLoggingStub(ctx, brk, wire.ChannelScheduler, "scheduler", logger)
	startLoggingStub(ctx, brk, wire.ChannelMultiHomeOrderer, "multi_home_orderer", logger)

	fwd := forwarder.New(dir, snd, lookupIndex, forwarder.Options{
		BatchTimeout:                 time.Duration(cfg.BatchTimeoutMs) * time.Millisecond,
		PollTimeout:                  time.Duration(cfg.PollTimeoutMs) * time.Millisecond,
		DefaultMasterRegionForNewKey: cfg.DefaultMasterRegionForNewKey,
		BypassMultiHomeOrderer:       cfg.BypassMultiHomeOrderer,
		LeaderPartitionForMHOrdering: cfg.LeaderPartitionForMultiHomeOrdering,
		PendingTxnTTL:                time.Duration(cfg.PendingTxnTTLMs) * time.Millisecond,
		Logger:                       logger,
	})
	if err := fwd.Start(ctx, brk); err != nil {
		log.Fatalf("failed to start forwarder: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infow("shutting down", "signal", sig)
	case <-ctx.Done():
	}

	cancel()
	brk.Stop()
}

// startLoggingStub registers a channel that just logs what it receives,
// standing in for a downstream module this repo does not implement.
func startLoggingStub(ctx context.Context, brk *broker.Broker, ch wire.Channel, name string, logger logging.Logger) {
	inbox, err := brk.AddChannel(ch)
	if err != nil {
		log.Fatalf("failed to register %s channel: %v", name, err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-inbox:
				if !ok {
					return
				}
				logger.Infow("stub channel received envelope", "channel", name, "envelope_id", env.ID)
			}
		}
	}()
}
