package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/scanner"
	weed_server "github.com/seaweedfs/ahm/weed/server"
	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/storage"
	"github.com/seaweedfs/ahm/weed/util"
)

var (
	n NodeOptions
)

type NodeOptions struct {
	port            *int
	ip              *string
	bindIp          *string
	nodeID          *string
	dirs            *string
	shutdownTimeout *time.Duration
}

func init() {
	cmdNode.Run = runNode // break init cycle
	n.port = cmdNode.Flag.Int("port", 9400, "http listen port")
	n.ip = cmdNode.Flag.String("ip", "localhost", "ip or server name peers reach this node at")
	n.bindIp = cmdNode.Flag.String("ip.bind", "", "ip address to bind to. If empty, default to same as -ip option.")
	n.nodeID = cmdNode.Flag.String("id", "", "node id, default to <ip>:<port>")
	n.dirs = cmdNode.Flag.String("dir", "", "disks of this node, overrides storage.pools. disk[,disk]... per erasure set, sets separated by ';', pools by '|'")
	n.shutdownTimeout = cmdNode.Flag.Duration("shutdownTimeout", 10*time.Second, "time to drain http requests on shutdown")
}

var cmdNode = &Command{
	UsageLine: "node -port=9400 -dir=/data/d1,/data/d2,/data/d3,/data/d4",
	Short:     "start an auto-healing storage node",
	Long: `start a storage node that scans its disks and heals what it finds

  The erasure sets, the heal manager, the scanner and the checkpoint store
  are configured in ahm.toml, see "ahm scaffold". Use -dir to override the
  disks without a configuration file.

  `,
}

func runNode(cmd *Command, args []string) bool {

	if _, err := util.LoadConfiguration("ahm", false); err != nil {
		glog.Fatalf("load ahm.toml: %v", err)
	}
	conf := util.GetViper()

	address := stats.JoinHostPort(*n.ip, *n.port)
	nodeID := *n.nodeID
	if nodeID == "" {
		nodeID = address
	}
	if *n.bindIp == "" {
		*n.bindIp = *n.ip
	}

	topology := *n.dirs
	if topology == "" {
		topology = strings.Join(conf.GetStringSlice("storage.pools"), "|")
	}
	pools, err := parsePools(topology)
	if err != nil {
		glog.Errorf("storage disks: %v", err)
		return false
	}
	storeOption, err := loadStoreOption(conf)
	if err != nil {
		glog.Errorf("storage: %v", err)
		return false
	}
	store, err := storage.NewStore(pools, storeOption)
	if err != nil {
		glog.Fatalf("open store: %v", err)
	}

	scannerConfig, err := scanner.LoadNodeScannerConfig(conf, nodeID)
	if err != nil {
		glog.Fatalf("scanner configuration: %v", err)
	}
	conf.SetDefault("checkpoint.store", "memory")
	kvStore, err := kv.LoadStore(conf, "checkpoint.", conf.GetString("checkpoint.store"))
	if err != nil {
		glog.Fatalf("checkpoint store: %v", err)
	}

	r := mux.NewRouter()
	hs := weed_server.NewHealNodeServer(r, store, &weed_server.HealNodeOption{
		NodeID:     nodeID,
		Address:    address,
		Heal:       heal.LoadHealConfig(conf),
		Scanner:    scannerConfig,
		Aggregator: scanner.LoadAggregatorConfig(conf),
		KV:         kvStore,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hs.Start(ctx); err != nil {
		glog.Fatalf("start heal node: %v", err)
	}

	listenAddress := stats.JoinHostPort(*n.bindIp, *n.port)
	httpS := &http.Server{Addr: listenAddress, Handler: r}
	go func() {
		glog.V(0).Infof("Start heal node %s at %s, deployment %s", nodeID, listenAddress, store.DeploymentID())
		if err := httpS.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("Heal node fail to serve: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *n.shutdownTimeout)
	defer cancel()
	if err := httpS.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("http shutdown: %v", err)
	}
	hs.Shutdown()
	return true
}

// parsePools reads "d1,d2,d3;d4,d5,d6|d7,d8,d9": disks of a set are separated
// by ',', sets of a pool by ';' and pools by '|'.
func parsePools(topology string) ([][][]string, error) {
	if strings.TrimSpace(topology) == "" {
		return nil, fmt.Errorf("no disks configured")
	}
	var pools [][][]string
	for poolIdx, pool := range strings.Split(topology, "|") {
		var sets [][]string
		for setIdx, set := range strings.Split(pool, ";") {
			var dirs []string
			for _, dir := range strings.Split(set, ",") {
				if dir = strings.TrimSpace(dir); dir != "" {
					dirs = append(dirs, util.ResolvePath(dir))
				}
			}
			if len(dirs) == 0 {
				return nil, fmt.Errorf("pool %d set %d has no disks", poolIdx, setIdx)
			}
			sets = append(sets, dirs)
		}
		pools = append(pools, sets)
	}
	return pools, nil
}

// loadStoreOption reads the [storage] section.
func loadStoreOption(conf util.Configuration) (storage.StoreOption, error) {
	conf.SetDefault("storage.parity", storage.DefaultParityShards)
	conf.SetDefault("storage.block_size", humanize.IBytes(storage.DefaultBlockSize))

	blockSize, err := humanize.ParseBytes(conf.GetString("storage.block_size"))
	if err != nil {
		return storage.StoreOption{}, fmt.Errorf("block_size: %w", err)
	}
	option := storage.StoreOption{
		DeploymentID: conf.GetString("storage.deployment_id"),
		ParityShards: conf.GetInt("storage.parity"),
		BlockSize:    int(blockSize),
	}
	if option.ParityShards < 0 {
		return option, fmt.Errorf("parity must not be negative, got %d", option.ParityShards)
	}
	return option, nil
}
