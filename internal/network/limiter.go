package network

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultMaxConnsPerHost   = 16
	defaultMaxStreamsPerHost = 64
	defaultStreamRate        = rate.Limit(50)
	defaultStreamBurst       = 100
)

// hostLimiter caps concurrent connections and streams per remote host and
// token-buckets the stream admission rate so one noisy peer cannot starve
// the handler pool.
type hostLimiter struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	streamRate rate.Limit
	burst      int
	conns      map[string]int
	streams    map[string]int
	buckets    map[string]*rate.Limiter
}

func newHostLimiter(maxConns, maxStreams int, streamRate rate.Limit, burst int) *hostLimiter {
	return &hostLimiter{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		streamRate: streamRate,
		burst:      burst,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
		buckets:    make(map[string]*rate.Limiter),
	}
}

func (l *hostLimiter) admitConn(host string) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[host] >= l.maxConns {
		return false
	}
	l.conns[host]++
	return true
}

func (l *hostLimiter) releaseConn(host string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[host] <= 1 {
		delete(l.conns, host)
		return
	}
	l.conns[host]--
}

func (l *hostLimiter) admitStream(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxStreams > 0 && l.streams[host] >= l.maxStreams {
		return false
	}
	if l.streamRate > 0 {
		bucket := l.buckets[host]
		if bucket == nil {
			bucket = rate.NewLimiter(l.streamRate, l.burst)
			l.buckets[host] = bucket
		}
		if !bucket.Allow() {
			return false
		}
	}
	l.streams[host]++
	return true
}

func (l *hostLimiter) releaseStream(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streams[host] <= 1 {
		delete(l.streams, host)
		return
	}
	l.streams[host]--
}
