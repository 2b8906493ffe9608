package stats

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

type MemStatus struct {
	Goroutines int    `json:"goroutines"`
	All        uint64 `json:"all"`
	Used       uint64 `json:"used"`
	Free       uint64 `json:"free"`
	Self       uint64 `json:"self"`
	Heap       uint64 `json:"heap"`
	Stack      uint64 `json:"stack"`
}

func MemStat() MemStatus {
	mem := MemStatus{}
	mem.Goroutines = runtime.NumGoroutine()
	memStat := new(runtime.MemStats)
	runtime.ReadMemStats(memStat)
	mem.Self = memStat.Alloc
	mem.Heap = memStat.HeapAlloc
	mem.Stack = memStat.StackInuse

	mem.fillInStatus()
	return mem
}

func (ms *MemStatus) fillInStatus() {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	ms.All = stat.Total
	ms.Used = stat.Used
	ms.Free = stat.Free
}
