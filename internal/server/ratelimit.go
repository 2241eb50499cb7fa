// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// addrLimiter rate-limits registrations per remote address so a
// misconfigured worker cannot hammer the registry in a reconnect loop.
type addrLimiter struct {
	mu       sync.Mutex
	limiters map[string]*addrEntry
	rps      rate.Limit
	burst    int
}

type addrEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAddrLimiter allows rps registrations per second with the given burst,
// per remote address.
func newAddrLimiter(rps float64, burst int) *addrLimiter {
	l := &addrLimiter{
		limiters: make(map[string]*addrEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the address may register now.
func (l *addrLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[host]
	if !ok {
		e = &addrEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[host] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// cleanupLoop evicts idle entries.
func (l *addrLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for host, e := range l.limiters {
			if e.lastSeen.Before(cutoff) {
				delete(l.limiters, host)
			}
		}
		l.mu.Unlock()
	}
}
