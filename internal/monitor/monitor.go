// Package monitor samples host metrics over a monitor transport. Each
// family runs one batched command whose sections are separated by a
// sentinel line. Cumulative counters are turned into rates against the
// previous sample kept per session.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Separator delimits sections of a batched command's output.
const Separator = "---SPLIT---"

// ErrFormat is returned when a batched response does not have the expected
// shape.
var ErrFormat = errors.New("Invalid data format")

// Runner executes a command on the remote host. *sshconn.Client satisfies it.
type Runner interface {
	Exec(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error)
}

type ioSample struct {
	read, write uint64
	at          time.Time
}

type netSample struct {
	ifaces map[string][2]uint64
	at     time.Time
}

// Sampler holds the previous counters for every session. It is safe for
// concurrent use; the lock is never held across a remote call.
type Sampler struct {
	mu   sync.Mutex
	cpu  map[string]map[string]cpuTicks // session -> cpu label
	disk map[string]map[string]ioSample // session -> device
	net  map[string]netSample           // session

	now func() time.Time
}

// NewSampler returns an empty sampler using the monotonic clock.
func NewSampler() *Sampler {
	return &Sampler{
		cpu:  make(map[string]map[string]cpuTicks),
		disk: make(map[string]map[string]ioSample),
		net:  make(map[string]netSample),
		now:  time.Now,
	}
}

// SetClock replaces the clock. For tests.
func (s *Sampler) SetClock(fn func() time.Time) {
	s.mu.Lock()
	s.now = fn
	s.mu.Unlock()
}

// Forget drops every cached sample for sessionID so a reused id starts
// from a clean baseline.
func (s *Sampler) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.cpu, sessionID)
	delete(s.disk, sessionID)
	delete(s.net, sessionID)
	s.mu.Unlock()
}

// batch joins commands with the separator.
func batch(cmds ...string) string {
	return strings.Join(cmds, " && echo '"+Separator+"' && ")
}

// runBatch executes cmd and splits its output into exactly n sections.
func runBatch(ctx context.Context, r Runner, cmd string, n int) ([]string, error) {
	out, stderr, _, err := r.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(out, Separator)
	if len(parts) != n {
		if msg := strings.TrimSpace(stderr); msg != "" {
			return nil, fmt.Errorf("%w: got %d of %d sections (%s)", ErrFormat, len(parts), n, firstLine(msg))
		}
		return nil, fmt.Errorf("%w: got %d of %d sections", ErrFormat, len(parts), n)
	}
	return parts, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// rate returns delta per second, or 0 when elapsed is not positive or the
// counter went backwards.
func rate(cur, prev uint64, elapsed time.Duration) uint64 {
	if elapsed <= 0 || cur < prev {
		return 0
	}
	return uint64(float64(cur-prev) / elapsed.Seconds())
}

func subSat(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
