/*
Package ratelimit provides per-client token bucket limiters for the API.

Each client key (normally the remote IP) gets its own golang.org/x/time/rate
limiter, created on first use. Idle clients are dropped by Evict, which the
daemon runs as a repeating job on the timer service:

	lim, _ := ratelimit.New(ratelimit.Config{Rate: 10, Burst: 20})
	if !lim.Allow(clientIP) {
		// reject with 429
	}

A limiter with a zero Rate allows everything and tracks nothing.

Limiters are process-local. They protect one lbucket node from a single
noisy client; they are not shared between nodes.
*/
package ratelimit
