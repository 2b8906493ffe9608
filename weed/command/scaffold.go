package command

import (
	"fmt"
	"os"
	"path/filepath"
)

func init() {
	cmdScaffold.Run = runScaffold // break init cycle
}

var cmdScaffold = &Command{
	UsageLine: "scaffold [-output=dir]",
	Short:     "generate the node configuration file",
	Long: `Generate ahm.toml with all possible configurations for you to customize.

  The file is searched in -config_dir, ./, $HOME/.seaweedfs/ and /etc/seaweedfs/.

  `,
}

var (
	outputPath = cmdScaffold.Flag.String("output", "", "if not empty, save the configuration file to this directory")
)

func runScaffold(cmd *Command, args []string) bool {

	if *outputPath != "" {
		if err := os.WriteFile(filepath.Join(*outputPath, "ahm.toml"), []byte(AHM_TOML_EXAMPLE), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write ahm.toml: %v\n", err)
			return false
		}
	} else {
		fmt.Print(AHM_TOML_EXAMPLE)
	}
	return true
}

const (
	AHM_TOML_EXAMPLE = `
# A sample TOML config file for an auto-healing node
# Used with "ahm node"
# Put this file to one of the location, with descending priority
#    ./ahm.toml
#    $HOME/.seaweedfs/ahm.toml
#    /etc/seaweedfs/ahm.toml

[storage]
# each entry is one pool: disks of a set separated by ',', sets by ';'
pools = [
  "/data/d1,/data/d2,/data/d3,/data/d4,/data/d5,/data/d6",
]
# read back from the formatted disks when empty
deployment_id = ""
parity = 2
block_size = "1MiB"

[heal]
workers = 4
queue_size = 1000
max_retries = 3
retry_initial_interval = "1s"
retry_max_interval = "1m"
event_channel_size = 256
resume_on_start = true
checkpoint_interval = "30s"
max_finished_tasks = 1000

[scanner]
# normal or deep, deep also verifies the bitrot checksums
mode = "normal"
incremental = true
interval = "5m"
# run a deep cycle at most this often, 0 disables it
deep_interval = "24h"
concurrency = 2
batch_size = 100
checkpoint_interval = "30s"
event_ttl = "10m"

[throttle]
low_water = 0.5
high_water = 0.8
pause_water = 0.95
max_ops = 1000
min_ops = 10
max_bytes = 104857600
sample_interval = "1s"
business_latency_threshold = "100ms"

[aggregator]
cache_ttl = "10s"
timeout = "5s"
interval = "1m"
# "node_id=host:port", a bare address is its own node id
peers = [
]

[checkpoint]
# memory, leveldb or redis
store = "leveldb"

[checkpoint.memory]
# local in memory, mostly for testing purpose

[checkpoint.leveldb]
dir = "./checkpoints"

[checkpoint.redis]
address = "localhost:6379"
password = ""
database = 0
keyPrefix = "ahm:"
`
)
