package retry

import "time"

// Run executes fn until it succeeds or the policy says to stop, sleeping
// between attempts per Policy.Decide. The caller's fn should perform one
// segment download attempt.
func Run(policy Policy, fn func() *SegmentError) *SegmentError {
	attempt := uint32(1)
	for {
		err := fn()
		if err == nil {
			return nil
		}
		kind := Classify(err)
		decision := policy.Decide(attempt, kind)
		if !decision.Retry {
			return err
		}
		time.Sleep(decision.After)
		attempt++
	}
}
