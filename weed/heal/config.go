package heal

import (
	"time"

	"github.com/seaweedfs/ahm/weed/util"
)

type HealConfig struct {
	Workers int
	// QueueSize caps the pending tasks, 0 for no limit
	QueueSize            int
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	EventChannelSize     int
	ResumeOnStart        bool
	CheckpointInterval   time.Duration
	// MaxFinishedTasks is how many terminal tasks stay queryable
	MaxFinishedTasks int
}

func DefaultHealConfig() HealConfig {
	return HealConfig{
		Workers:              4,
		QueueSize:            1000,
		MaxRetries:           3,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		EventChannelSize:     256,
		ResumeOnStart:        true,
		CheckpointInterval:   30 * time.Second,
		MaxFinishedTasks:     1000,
	}
}

// LoadHealConfig reads the [heal] section.
func LoadHealConfig(conf util.Configuration) HealConfig {
	d := DefaultHealConfig()
	conf.SetDefault("heal.workers", d.Workers)
	conf.SetDefault("heal.queue_size", d.QueueSize)
	conf.SetDefault("heal.max_retries", d.MaxRetries)
	conf.SetDefault("heal.retry_initial_interval", d.RetryInitialInterval)
	conf.SetDefault("heal.retry_max_interval", d.RetryMaxInterval)
	conf.SetDefault("heal.event_channel_size", d.EventChannelSize)
	conf.SetDefault("heal.resume_on_start", d.ResumeOnStart)
	conf.SetDefault("heal.checkpoint_interval", d.CheckpointInterval)
	conf.SetDefault("heal.max_finished_tasks", d.MaxFinishedTasks)

	c := HealConfig{
		Workers:              conf.GetInt("heal.workers"),
		QueueSize:            conf.GetInt("heal.queue_size"),
		MaxRetries:           conf.GetInt("heal.max_retries"),
		RetryInitialInterval: conf.GetDuration("heal.retry_initial_interval"),
		RetryMaxInterval:     conf.GetDuration("heal.retry_max_interval"),
		EventChannelSize:     conf.GetInt("heal.event_channel_size"),
		ResumeOnStart:        conf.GetBool("heal.resume_on_start"),
		CheckpointInterval:   conf.GetDuration("heal.checkpoint_interval"),
		MaxFinishedTasks:     conf.GetInt("heal.max_finished_tasks"),
	}
	return c.withDefaults()
}

func (c HealConfig) withDefaults() HealConfig {
	d := DefaultHealConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = c.RetryInitialInterval
	}
	if c.EventChannelSize <= 0 {
		c.EventChannelSize = d.EventChannelSize
	}
	if c.MaxFinishedTasks <= 0 {
		c.MaxFinishedTasks = d.MaxFinishedTasks
	}
	return c
}
