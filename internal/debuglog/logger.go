// Package debuglog writes operational messages to stderr. Verbose output is
// gated on PRENET_DEBUG=1; with the gate open, messages go through a bounded
// queue so network goroutines never block on a slow terminal.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	queueSize      = 2048
	throttleWindow = 5 * time.Second
)

var out struct {
	once sync.Once
	ch   chan string
}

var throttle = struct {
	sync.Mutex
	seen  map[string]time.Time
	swept time.Time
}{seen: make(map[string]time.Time)}

func enabled() bool { return os.Getenv("PRENET_DEBUG") == "1" }

func write(msg string) {
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	out.once.Do(func() {
		out.ch = make(chan string, queueSize)
		go func() {
			for m := range out.ch {
				_, _ = os.Stderr.WriteString(m)
			}
		}()
	})
	select {
	case out.ch <- msg:
	default:
		// Saturated; drop rather than stall the caller.
	}
}

// Logf always prints.
func Logf(format string, args ...any) {
	write(fmt.Sprintf(format+"\n", args...))
}

// Debugf prints only when PRENET_DEBUG=1.
func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf prints like Logf, but at most once per throttleWindow for each
// distinct format string. For errors that recur per connection or per frame.
func RateLimitedf(format string, args ...any) {
	if !shouldPrint(format, time.Now()) {
		return
	}
	Logf(format, args...)
}

func shouldPrint(key string, now time.Time) bool {
	throttle.Lock()
	defer throttle.Unlock()
	if last, ok := throttle.seen[key]; ok && now.Sub(last) < throttleWindow {
		return false
	}
	throttle.seen[key] = now
	if now.Sub(throttle.swept) > 10*throttleWindow {
		for k, ts := range throttle.seen {
			if now.Sub(ts) >= throttleWindow {
				delete(throttle.seen, k)
			}
		}
		throttle.swept = now
	}
	return true
}
