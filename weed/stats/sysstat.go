package stats

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
)

// LoadStat return average load1, load5 and load15 of the host
func LoadStat() (load1, load5, load15 float64, err error) {
	stat, e := load.Avg()
	if e != nil {
		return 0, 0, 0, e
	}

	return stat.Load1, stat.Load5, stat.Load15, nil
}

// CPUPercent returns the host wide cpu usage in percent since the last call.
func CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

// DiskCounters is the sum of the io counters of all host block devices.
type DiskCounters struct {
	ReadCount  uint64
	WriteCount uint64
	ReadBytes  uint64
	WriteBytes uint64
	// busiest device only, partitions would otherwise count twice
	IoTime         time.Duration
	IopsInProgress uint64
	ReadTime       time.Duration
	WriteTime      time.Duration
}

func DiskIOCounters() (counters DiskCounters, err error) {
	stats, err := disk.IOCounters()
	if err != nil {
		return counters, err
	}
	for _, s := range stats {
		counters.ReadCount += s.ReadCount
		counters.WriteCount += s.WriteCount
		counters.ReadBytes += s.ReadBytes
		counters.WriteBytes += s.WriteBytes
		if ioTime := time.Duration(s.IoTime) * time.Millisecond; ioTime > counters.IoTime {
			counters.IoTime = ioTime
		}
		counters.IopsInProgress += s.IopsInProgress
		counters.ReadTime += time.Duration(s.ReadTime) * time.Millisecond
		counters.WriteTime += time.Duration(s.WriteTime) * time.Millisecond
	}
	return counters, nil
}
