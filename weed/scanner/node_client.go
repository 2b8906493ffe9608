package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/seaweedfs/ahm/weed/util"
)

// NodeClient fetches the local stats of one node.
type NodeClient interface {
	NodeID() string
	Address() string
	GetLocalStats(ctx context.Context) (LocalScanStats, error)
}

// HTTPNodeClient reads a peer's GET /stats/local.
type HTTPNodeClient struct {
	nodeID     string
	address    string
	httpClient *http.Client
	// RetryLimit bounds the retries of transient failures within one call
	RetryLimit time.Duration
}

func NewHTTPNodeClient(nodeID, address string, httpClient *http.Client) *HTTPNodeClient {
	return &HTTPNodeClient{
		nodeID:     nodeID,
		address:    address,
		httpClient: httpClient,
		RetryLimit: 2 * time.Second,
	}
}

func (c *HTTPNodeClient) NodeID() string {
	return c.nodeID
}

func (c *HTTPNodeClient) Address() string {
	return c.address
}

func (c *HTTPNodeClient) GetLocalStats(ctx context.Context) (LocalScanStats, error) {
	var stats LocalScanStats
	url := util.MkUrl(c.address, "/stats/local", nil)
	err := util.Retry(ctx, "stats of "+c.nodeID, c.RetryLimit, retriableHTTPError, func() error {
		stats = LocalScanStats{}
		return util.GetJson(ctx, c.httpClient, url, &stats)
	})
	if err != nil {
		return stats, fmt.Errorf("node %s: %w", c.nodeID, err)
	}
	return stats, nil
}

// retriableHTTPError retries connection failures and 5xx responses.
func retriableHTTPError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *util.HttpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsServerError()
	}
	return true
}

// localNodeClient serves the stats of this node without a round trip.
type localNodeClient struct {
	nodeID  string
	address string
	stats   *LocalStatsManager
}

func NewLocalNodeClient(nodeID, address string, stats *LocalStatsManager) NodeClient {
	return &localNodeClient{nodeID: nodeID, address: address, stats: stats}
}

func (c *localNodeClient) NodeID() string {
	return c.nodeID
}

func (c *localNodeClient) Address() string {
	return c.address
}

func (c *localNodeClient) GetLocalStats(ctx context.Context) (LocalScanStats, error) {
	if err := ctx.Err(); err != nil {
		return LocalScanStats{}, err
	}
	return c.stats.Stats(), nil
}
