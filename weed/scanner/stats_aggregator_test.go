package scanner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNodeClient struct {
	id    string
	stats LocalScanStats
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeNodeClient) NodeID() string  { return f.id }
func (f *fakeNodeClient) Address() string { return f.id + ":9333" }

func (f *fakeNodeClient) GetLocalStats(ctx context.Context) (LocalScanStats, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return LocalScanStats{}, ctx.Err()
		}
	}
	return f.stats, f.err
}

func nodeStats(buckets map[string]BucketStats, issues, events uint64) LocalScanStats {
	return LocalScanStats{Buckets: buckets, ObjectsWithIssues: issues, HealEventsEmitted: events, ScannerState: ScannerScanning}
}

func TestAggregateAcrossNodes(t *testing.T) {
	a := NewDecentralizedStatsAggregator(AggregatorConfig{CacheTTL: time.Minute, Timeout: 50 * time.Millisecond})
	t.Cleanup(a.Stop)

	a.AddNode(&fakeNodeClient{id: "n1", stats: nodeStats(map[string]BucketStats{
		"photos": {Objects: 10, Size: 1000},
	}, 1, 2)})
	a.AddNode(&fakeNodeClient{id: "n2", stats: nodeStats(map[string]BucketStats{
		"photos": {Objects: 5, Size: 500, Issues: 1},
		"logs":   {Objects: 1, Size: 1},
	}, 1, 1)})
	a.AddNode(&fakeNodeClient{id: "n3", err: errors.New("connection refused")})
	a.AddNode(&fakeNodeClient{id: "n4", delay: time.Second})

	agg, err := a.GetAggregatedStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, agg.TotalNodes)
	assert.Equal(t, 2, agg.OnlineNodes)
	assert.Equal(t, uint64(16), agg.TotalObjects)
	assert.Equal(t, uint64(1501), agg.TotalBytes)
	assert.Equal(t, uint64(2), agg.ObjectsWithIssues)
	assert.Equal(t, uint64(3), agg.HealEvents)
	assert.Equal(t, BucketStats{Objects: 15, Size: 1500, Issues: 1}, agg.Buckets["photos"])
	assert.Equal(t, "n1", agg.NodeSummaries["n1"].NodeID)

	require.Len(t, agg.Nodes, 4)
	assert.True(t, agg.Nodes[0].Online)
	assert.Equal(t, ScannerScanning, agg.Nodes[0].ScannerState)
	assert.False(t, agg.Nodes[2].Online)
	assert.Contains(t, agg.Nodes[2].LastError, "connection refused")
	assert.False(t, agg.Nodes[3].Online)
}

func TestAggregatedStatsAreCached(t *testing.T) {
	a := NewDecentralizedStatsAggregator(AggregatorConfig{CacheTTL: time.Minute})
	t.Cleanup(a.Stop)
	node := &fakeNodeClient{id: "n1", stats: nodeStats(nil, 0, 0)}
	a.AddNode(node)

	_, err := a.GetAggregatedStats(context.Background())
	require.NoError(t, err)
	_, err = a.GetAggregatedStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), node.calls.Load())

	a.ClearCache()
	_, err = a.GetAggregatedStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), node.calls.Load())

	a.RemoveNode("n1")
	agg, err := a.GetAggregatedStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, agg.TotalNodes)
	assert.Empty(t, a.Nodes())
}

func TestLocalNodeClient(t *testing.T) {
	m := NewLocalStatsManager("self", nil)
	m.RecordHealEvent()
	client := NewLocalNodeClient("self", "localhost:9333", m)

	stats, err := client.GetLocalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.HealEventsEmitted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.GetLocalStats(ctx)
	assert.Error(t, err)
}

func TestHTTPNodeClient(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats/local" {
			http.NotFound(w, r)
			return
		}
		// the first request fails like an overloaded node would
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"node_id":"n2","objects_scanned":42,"scanner_state":"paused","buckets":{"b":{"objects":42,"size":7}}}`))
	}))
	defer server.Close()

	client := NewHTTPNodeClient("n2", server.URL, server.Client())
	stats, err := client.GetLocalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, uint64(42), stats.ObjectsScanned)
	assert.Equal(t, ScannerPaused, stats.ScannerState)
	assert.Equal(t, BucketStats{Objects: 42, Size: 7}, stats.Buckets["b"])
}

func TestHTTPNodeClientDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewHTTPNodeClient("n2", server.URL, server.Client())
	_, err := client.GetLocalStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestParsePeer(t *testing.T) {
	id, addr, err := ParsePeer("node2=10.0.0.2:9333")
	require.NoError(t, err)
	assert.Equal(t, "node2", id)
	assert.Equal(t, "10.0.0.2:9333", addr)

	id, addr, err = ParsePeer(" 10.0.0.3:9333 ")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3:9333", id)
	assert.Equal(t, "10.0.0.3:9333", addr)

	for _, bad := range []string{"", "=x", "x="} {
		_, _, err = ParsePeer(bad)
		assert.Error(t, err, bad)
	}
}
