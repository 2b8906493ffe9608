package weed_server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/scanner"
	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/storage"
)

type DiskState struct {
	Endpoint heal.Endpoint   `json:"endpoint"`
	Status   heal.DiskStatus `json:"status"`
}

type NodeStatus struct {
	NodeID       string                   `json:"node_id"`
	DeploymentID string                   `json:"deployment_id"`
	Uptime       string                   `json:"uptime"`
	Disks        []DiskState              `json:"disks"`
	Heal         heal.HealStatistics      `json:"heal"`
	ScannerState scanner.ScannerState     `json:"scanner_state"`
	Scanner      scanner.ScannerMetrics   `json:"scanner"`
	Throttle     scanner.ThrottleDecision `json:"throttle"`
	IO           scanner.IOMetrics        `json:"io"`
	Memory       stats.MemStatus          `json:"memory"`
}

func (hs *HealNodeServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := NodeStatus{
		NodeID:       hs.option.NodeID,
		DeploymentID: hs.store.DeploymentID(),
		Uptime:       time.Since(startTime).Truncate(time.Second).String(),
		Heal:         hs.manager.Statistics(),
		ScannerState: hs.scanner.Scanner().State(),
		Scanner:      hs.scanner.Scanner().Metrics(),
		Throttle:     hs.scanner.Throttler().Current(),
		IO:           hs.scanner.Monitor().Current(),
		Memory:       stats.MemStat(),
	}
	for _, endpoint := range hs.store.Endpoints() {
		diskStatus, err := hs.store.GetDiskStatus(r.Context(), endpoint)
		if err != nil {
			diskStatus = heal.DiskOffline
		}
		status.Disks = append(status.Disks, DiskState{Endpoint: endpoint, Status: diskStatus})
	}
	writeJsonQuiet(w, r, http.StatusOK, status)
}

func (hs *HealNodeServer) healTasksHandler(w http.ResponseWriter, r *http.Request) {
	writeJsonQuiet(w, r, http.StatusOK, hs.manager.ListTasks())
}

func (hs *HealNodeServer) healStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	handle, err := hs.manager.GetTask(id)
	if err != nil {
		writeJsonError(w, r, errorStatus(err), err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, handle.Info())
}

func (hs *HealNodeServer) localStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJsonQuiet(w, r, http.StatusOK, hs.scanner.LocalStats())
}

// clusterStatsHandler serves the cached rollup, refresh=true polls every
// node again.
func (hs *HealNodeServer) clusterStatsHandler(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.FormValue("refresh")); refresh {
		hs.aggregator.ClearCache()
	}
	agg, err := hs.aggregator.GetAggregatedStats(r.Context())
	if err != nil {
		writeJsonError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, agg)
}

// readObjectHandler serves decoded objects, the client traffic the scanner
// yields to.
func (hs *HealNodeServer) readObjectHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, object := vars["bucket"], vars["object"]
	debug("read", bucket, object)

	info, err := hs.store.GetObjectMeta(r.Context(), bucket, object)
	if err == nil && info == nil {
		err = fmt.Errorf("%s/%s: %w", bucket, object, storage.ErrObjectNotFound)
	}
	if err != nil {
		writeJsonError(w, r, errorStatus(err), err)
		return
	}
	w.Header().Set("Etag", `"`+info.ETag+`"`)
	w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	data, err := hs.store.GetObjectData(r.Context(), bucket, object)
	if err != nil {
		writeJsonError(w, r, errorStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// businessRequest reports the latency of client requests to the io monitor.
func (hs *HealNodeServer) businessRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		hs.scanner.RecordBusinessRequest(time.Since(start))
	}
}
