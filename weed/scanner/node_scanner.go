package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/util"
)

type NodeScannerConfig struct {
	NodeID   string
	Scanner  ScannerConfig
	Monitor  IOMonitorConfig
	Throttle IOThrottlerConfig
}

func LoadNodeScannerConfig(conf util.Configuration, nodeID string) (NodeScannerConfig, error) {
	scanner, err := LoadScannerConfig(conf)
	if err != nil {
		return NodeScannerConfig{}, err
	}
	throttle, monitor, err := LoadThrottleConfig(conf)
	if err != nil {
		return NodeScannerConfig{}, err
	}
	return NodeScannerConfig{
		NodeID:   nodeID,
		Scanner:  scanner,
		Monitor:  monitor,
		Throttle: throttle,
	}, nil
}

// NodeScanner is the scanner of one node together with the io monitor and
// throttler that pace it and the stats it publishes.
type NodeScanner struct {
	config      NodeScannerConfig
	monitor     *IOMonitor
	throttler   *IOThrottler
	checkpoints *CheckpointManager
	local       *LocalStatsManager
	scanner     *Scanner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNodeScanner wires the scanner of this node. A nil sampler reads the
// host counters.
func NewNodeScanner(config NodeScannerConfig, storage ScanStorage, disks []heal.Endpoint, events *heal.EventChannel, store kv.Store, sampler IOSampler) *NodeScanner {
	if config.Throttle.Workers <= 0 {
		config.Throttle.Workers = config.Scanner.Concurrency
	}
	n := &NodeScanner{config: config}
	n.monitor = NewIOMonitor(config.Monitor, sampler)
	n.throttler = NewIOThrottler(config.Throttle, n.monitor)
	n.checkpoints = NewCheckpointManager(store, config.NodeID, config.Scanner.CheckpointInterval)
	n.local = NewLocalStatsManager(config.NodeID, store)
	n.scanner = NewScanner(config.Scanner, storage, events, ScannerOption{
		Disks:       disks,
		Throttler:   n.throttler,
		Checkpoints: n.checkpoints,
		LocalStats:  n.local,
		Metrics:     NewMetricsCollector(),
	})
	return n
}

func (n *NodeScanner) NodeID() string {
	return n.config.NodeID
}

// Start restores the persisted stats and starts sampling and scanning.
func (n *NodeScanner) Start(ctx context.Context) error {
	if err := n.local.Load(ctx); err != nil {
		glog.Warningf("node scanner %s: %v", n.config.NodeID, err)
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.monitor.Start(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.throttler.Start(ctx)
	}()
	if err := n.scanner.Start(ctx); err != nil {
		n.cancel()
		n.wg.Wait()
		return err
	}
	glog.V(0).Infof("node scanner %s started", n.config.NodeID)
	return nil
}

func (n *NodeScanner) Stop() {
	n.scanner.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

func (n *NodeScanner) Scanner() *Scanner {
	return n.scanner
}

func (n *NodeScanner) Monitor() *IOMonitor {
	return n.monitor
}

func (n *NodeScanner) Throttler() *IOThrottler {
	return n.throttler
}

func (n *NodeScanner) LocalStatsManager() *LocalStatsManager {
	return n.local
}

// LocalStats is what the node reports to the stats aggregator.
func (n *NodeScanner) LocalStats() LocalScanStats {
	return n.local.Stats()
}

// RecordBusinessRequest feeds the latency of a client request into the
// throttling decision.
func (n *NodeScanner) RecordBusinessRequest(latency time.Duration) {
	n.monitor.RecordBusinessRequest(latency)
}
