package weed_server

import (
	"context"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/scanner"
	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/storage"
)

type HealNodeOption struct {
	NodeID string
	// Address is where peers reach the stats of this node
	Address    string
	Heal       heal.HealConfig
	Scanner    scanner.NodeScannerConfig
	Aggregator scanner.AggregatorConfig
	// KV keeps heal resume data, scanner checkpoints and local stats
	KV kv.Store
	// Sampler reads the host io counters when nil
	Sampler    scanner.IOSampler
	HTTPClient *http.Client
}

// HealNodeServer holds everything one node runs: the local store, the heal
// manager, the scanner feeding it events and the cluster stats aggregator.
type HealNodeServer struct {
	option     *HealNodeOption
	store      *storage.Store
	events     *heal.EventChannel
	manager    *heal.HealManager
	scanner    *scanner.NodeScanner
	aggregator *scanner.DecentralizedStatsAggregator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealNodeServer(r *mux.Router, store *storage.Store, option *HealNodeOption) *HealNodeServer {
	hs := &HealNodeServer{
		option: option,
		store:  store,
		events: heal.NewEventChannel(option.Heal.EventChannelSize),
	}
	hs.manager = heal.NewHealManager(option.Heal, store, heal.NewResumeManager(option.KV))

	option.Scanner.NodeID = option.NodeID
	hs.scanner = scanner.NewNodeScanner(option.Scanner, store, store.Endpoints(), hs.events, option.KV, option.Sampler)

	hs.aggregator = scanner.NewDecentralizedStatsAggregator(option.Aggregator)
	hs.aggregator.AddNode(scanner.NewLocalNodeClient(option.NodeID, option.Address, hs.scanner.LocalStatsManager()))
	for _, peer := range option.Aggregator.Peers {
		nodeID, address, err := scanner.ParsePeer(peer)
		if err != nil {
			glog.Warningf("skip peer %q: %v", peer, err)
			continue
		}
		if nodeID == option.NodeID {
			continue
		}
		hs.aggregator.AddNode(scanner.NewHTTPNodeClient(nodeID, address, option.HTTPClient))
	}

	r.HandleFunc("/status", hs.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/status/heal", hs.healTasksHandler).Methods(http.MethodGet)
	r.HandleFunc("/status/heal/{id}", hs.healStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats/local", hs.localStatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats/cluster", hs.clusterStatsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", stats.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/data/{bucket}/{object:.+}", hs.businessRequest(hs.readObjectHandler)).Methods(http.MethodGet, http.MethodHead)

	return hs
}

// Start runs the heal workers, the event consumer, the scanner and the
// periodic stats rollup until ctx is done or Shutdown is called.
func (hs *HealNodeServer) Start(ctx context.Context) error {
	ctx, hs.cancel = context.WithCancel(ctx)
	if err := hs.manager.Start(ctx); err != nil {
		hs.cancel()
		return err
	}
	hs.wg.Add(2)
	go func() {
		defer hs.wg.Done()
		hs.manager.ConsumeEvents(ctx, hs.events)
	}()
	go func() {
		defer hs.wg.Done()
		hs.aggregator.Start(ctx)
	}()
	if err := hs.scanner.Start(ctx); err != nil {
		hs.cancel()
		hs.wg.Wait()
		hs.manager.Stop()
		return err
	}
	glog.V(0).Infof("heal node %s started with %d disks", hs.option.NodeID, len(hs.store.Endpoints()))
	return nil
}

func (hs *HealNodeServer) Shutdown() {
	glog.V(0).Infoln("Shutting down heal node...")
	hs.scanner.Stop()
	if hs.cancel != nil {
		hs.cancel()
	}
	hs.wg.Wait()
	hs.manager.Stop()
	hs.aggregator.Stop()
	hs.events.Close()
	if hs.option.KV != nil {
		hs.option.KV.Shutdown()
	}
	glog.V(0).Infoln("Shut down successfully!")
}

func (hs *HealNodeServer) Manager() *heal.HealManager {
	return hs.manager
}

func (hs *HealNodeServer) Scanner() *scanner.NodeScanner {
	return hs.scanner
}

func (hs *HealNodeServer) Aggregator() *scanner.DecentralizedStatsAggregator {
	return hs.aggregator
}
