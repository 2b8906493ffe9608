package heal

import "time"

type HealProgress struct {
	ObjectsScanned  uint64    `json:"objects_scanned"`
	ObjectsHealed   uint64    `json:"objects_healed"`
	ObjectsFailed   uint64    `json:"objects_failed"`
	ObjectsSkipped  uint64    `json:"objects_skipped"`
	BytesProcessed  uint64    `json:"bytes_processed"`
	ShardsRewritten uint64    `json:"shards_rewritten"`
	TotalObjects    uint64    `json:"total_objects"`
	CurrentBucket   string    `json:"current_bucket,omitempty"`
	CurrentObject   string    `json:"current_object,omitempty"`
	StartTime       time.Time `json:"start_time"`
	LastUpdate      time.Time `json:"last_update"`
}

func (p HealProgress) PercentComplete() float64 {
	if p.TotalObjects == 0 {
		return 0
	}
	done := p.ObjectsScanned
	if done > p.TotalObjects {
		done = p.TotalObjects
	}
	return float64(done) * 100 / float64(p.TotalObjects)
}

// progressFunc applies an update to the progress of the running task.
type progressFunc func(update func(p *HealProgress))
