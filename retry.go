package flowline

import "time"

// RetryBuilder assembles the RetryPolicy a Worker applies to failing jobs:
//
//	rt := flowline.NewInMemory(flowline.Options{
//	    Worker: flowline.WorkerConfig{
//	        Retry: flowline.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy(),
//	    },
//	})
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy that runs a job at most maxAttempts times before
// it is dead-lettered. Values below 1 dead-letter on the first failure.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// WithExponentialBackoff delays the n-th retry by initial*multiplier^(n-1),
// never more than ceiling. A non-positive multiplier means 2 and a
// non-positive ceiling means unbounded.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, ceiling time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	return r.backoff(initial, multiplier, ceiling)
}

// WithConstantBackoff makes every retry due delay after the failure.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.backoff(delay, 1, 0)
}

// Immediate makes a failed job due again at once.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.backoff(0, 0, 0)
}

func (r RetryBuilder) backoff(initial time.Duration, multiplier float64, ceiling time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.BackoffMultiplier = multiplier
	p.MaxBackoff = ceiling
	return RetryBuilder{policy: p}
}

// Policy returns the result, ready for WorkerConfig.Retry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
