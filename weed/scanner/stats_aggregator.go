package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/karlseguin/ccache/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/ahm/weed/util"
)

const aggregatedStatsKey = "cluster"

type AggregatorConfig struct {
	CacheTTL time.Duration
	// Timeout bounds the poll of a single node
	Timeout  time.Duration
	Interval time.Duration
	// Peers are "node_id=address" pairs, a bare address is its own id
	Peers []string
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		CacheTTL: 10 * time.Second,
		Timeout:  5 * time.Second,
		Interval: time.Minute,
	}
}

// LoadAggregatorConfig reads the [aggregator] section.
func LoadAggregatorConfig(conf util.Configuration) AggregatorConfig {
	d := DefaultAggregatorConfig()
	conf.SetDefault("aggregator.cache_ttl", d.CacheTTL)
	conf.SetDefault("aggregator.timeout", d.Timeout)
	conf.SetDefault("aggregator.interval", d.Interval)
	return AggregatorConfig{
		CacheTTL: conf.GetDuration("aggregator.cache_ttl"),
		Timeout:  conf.GetDuration("aggregator.timeout"),
		Interval: conf.GetDuration("aggregator.interval"),
		Peers:    conf.GetStringSlice("aggregator.peers"),
	}
}

// ParsePeer splits "node_id=address".
func ParsePeer(peer string) (nodeID, address string, err error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return "", "", fmt.Errorf("empty peer")
	}
	if id, addr, found := strings.Cut(peer, "="); found {
		if id == "" || addr == "" {
			return "", "", fmt.Errorf("invalid peer %q", peer)
		}
		return id, addr, nil
	}
	return peer, peer, nil
}

type NodeInfo struct {
	NodeID       string       `json:"node_id"`
	Address      string       `json:"address"`
	Online       bool         `json:"online"`
	LastSeen     time.Time    `json:"last_seen"`
	LastError    string       `json:"last_error,omitempty"`
	ScannerState ScannerState `json:"scanner_state"`
}

// AggregatedStats is a best effort rollup of the nodes that answered.
type AggregatedStats struct {
	AggregatedAt      time.Time               `json:"aggregated_at"`
	TotalNodes        int                     `json:"total_nodes"`
	OnlineNodes       int                     `json:"online_nodes"`
	TotalObjects      uint64                  `json:"total_objects"`
	TotalBytes        uint64                  `json:"total_bytes"`
	ObjectsWithIssues uint64                  `json:"objects_with_issues"`
	HealEvents        uint64                  `json:"heal_events"`
	Buckets           map[string]BucketStats  `json:"buckets"`
	Histogram         HistogramSnapshot       `json:"histogram"`
	Nodes             []NodeInfo              `json:"nodes"`
	NodeSummaries     map[string]StatsSummary `json:"node_summaries"`
}

// DecentralizedStatsAggregator polls every registered node for its local
// stats. Every node can run one, there is no coordinator.
type DecentralizedStatsAggregator struct {
	config AggregatorConfig
	nodes  cmap.ConcurrentMap[string, NodeClient]
	info   cmap.ConcurrentMap[string, NodeInfo]
	cache  *ccache.Cache
}

func NewDecentralizedStatsAggregator(config AggregatorConfig) *DecentralizedStatsAggregator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultAggregatorConfig().Timeout
	}
	return &DecentralizedStatsAggregator{
		config: config,
		nodes:  cmap.New[NodeClient](),
		info:   cmap.New[NodeInfo](),
		cache:  ccache.New(ccache.Configure().MaxSize(16)),
	}
}

func (a *DecentralizedStatsAggregator) AddNode(client NodeClient) {
	a.nodes.Set(client.NodeID(), client)
	a.info.Set(client.NodeID(), NodeInfo{NodeID: client.NodeID(), Address: client.Address()})
	a.ClearCache()
	glog.V(1).Infof("stats aggregator: node %s at %s added", client.NodeID(), client.Address())
}

func (a *DecentralizedStatsAggregator) RemoveNode(nodeID string) {
	a.nodes.Remove(nodeID)
	a.info.Remove(nodeID)
	a.ClearCache()
}

// Nodes lists the known nodes with the outcome of their last poll.
func (a *DecentralizedStatsAggregator) Nodes() []NodeInfo {
	nodes := make([]NodeInfo, 0, a.info.Count())
	for _, info := range a.info.Items() {
		nodes = append(nodes, info)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes
}

func (a *DecentralizedStatsAggregator) ClearCache() {
	a.cache.Delete(aggregatedStatsKey)
}

// GetAggregatedStats returns the cached rollup while it is younger than the
// cache TTL and polls the nodes otherwise.
func (a *DecentralizedStatsAggregator) GetAggregatedStats(ctx context.Context) (*AggregatedStats, error) {
	item, err := a.cache.Fetch(aggregatedStatsKey, a.config.CacheTTL, func() (interface{}, error) {
		return a.Aggregate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return item.Value().(*AggregatedStats), nil
}

// Aggregate polls all nodes now. Nodes that fail or time out are reported
// offline and left out of the totals.
func (a *DecentralizedStatsAggregator) Aggregate(ctx context.Context) (*AggregatedStats, error) {
	clients := make([]NodeClient, 0, a.nodes.Count())
	for _, c := range a.nodes.Items() {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].NodeID() < clients[j].NodeID() })

	results := make([]*LocalScanStats, len(clients))
	var g errgroup.Group
	for i, c := range clients {
		g.Go(func() error {
			pollCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
			defer cancel()
			stats, err := c.GetLocalStats(pollCtx)
			info := NodeInfo{NodeID: c.NodeID(), Address: c.Address()}
			if previous, ok := a.info.Get(c.NodeID()); ok {
				info.LastSeen = previous.LastSeen
			}
			if err != nil {
				info.LastError = err.Error()
				glog.Warningf("stats aggregator: node %s: %v", c.NodeID(), err)
			} else {
				info.Online = true
				info.LastSeen = time.Now()
				info.ScannerState = stats.ScannerState
				results[i] = &stats
			}
			// a node removed while it was polled stays removed
			if _, ok := a.nodes.Get(c.NodeID()); ok {
				a.info.Set(c.NodeID(), info)
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	agg := &AggregatedStats{
		AggregatedAt:  time.Now(),
		TotalNodes:    len(clients),
		Buckets:       make(map[string]BucketStats),
		NodeSummaries: make(map[string]StatsSummary),
	}
	for i, stats := range results {
		if stats == nil {
			continue
		}
		agg.OnlineNodes++
		summary := stats.Summary()
		summary.NodeID = clients[i].NodeID()
		agg.NodeSummaries[summary.NodeID] = summary
		agg.TotalObjects += summary.TotalObjects
		agg.TotalBytes += summary.TotalBytes
		agg.ObjectsWithIssues += stats.ObjectsWithIssues
		agg.HealEvents += stats.HealEventsEmitted
		for name, b := range stats.Buckets {
			total := agg.Buckets[name]
			total.Objects += b.Objects
			total.Size += b.Size
			total.Issues += b.Issues
			agg.Buckets[name] = total
		}
		agg.Histogram.Merge(stats.Histogram)
	}
	agg.Nodes = a.Nodes()
	glog.V(2).Infof("stats aggregator: %d of %d nodes online, %d objects", agg.OnlineNodes, agg.TotalNodes, agg.TotalObjects)
	return agg, nil
}

// Start refreshes the cached rollup every interval until ctx is done.
func (a *DecentralizedStatsAggregator) Start(ctx context.Context) {
	if a.config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agg, err := a.Aggregate(ctx)
			if err != nil {
				continue
			}
			a.cache.Set(aggregatedStatsKey, agg, a.config.CacheTTL)
		}
	}
}

func (a *DecentralizedStatsAggregator) Stop() {
	a.cache.Stop()
}
