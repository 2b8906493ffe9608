package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// NewExponentialBackOff builds the capped exponential curve used for
// transient failures. maxElapsed of 0 means no overall deadline.
func NewExponentialBackOff(initial, maxInterval, maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = maxElapsed
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.Reset()
	return b
}

// Retry runs job until it succeeds, returns a non-retriable error, the
// context is done or waitTimeLimit has elapsed.
func Retry(ctx context.Context, name string, waitTimeLimit time.Duration, retriable func(error) bool, job func() error) error {
	hasErr := false
	b := backoff.WithContext(NewExponentialBackOff(100*time.Millisecond, waitTimeLimit/2+1, waitTimeLimit), ctx)
	err := backoff.Retry(func() error {
		err := job()
		if err == nil {
			if hasErr {
				glog.V(1).Infof("retry %s successfully", name)
			}
			return nil
		}
		if retriable != nil && !retriable(err) {
			return backoff.Permanent(err)
		}
		hasErr = true
		glog.V(1).Infof("retry %s: %v", name, err)
		return err
	}, b)
	return err
}
