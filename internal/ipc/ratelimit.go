package ipc

import "golang.org/x/time/rate"

// newClientLimiter builds the per-client token bucket described in
// §4.7: a fixed rate with a burst equal to that same rate, so a client
// can use a full second's allowance in one go but never sustain more.
func newClientLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}
