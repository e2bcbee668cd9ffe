// Package session keeps one live record per caller-supplied session id. A
// record owns three SSH transports: an interactive shell, a monitor channel
// for metric commands and an SFTP channel for the file manager. Only the
// shell is required; the other two degrade to unavailable when they fail.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shellport/shellport/internal/audit"
	"github.com/shellport/shellport/internal/events"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/monitor"
	"github.com/shellport/shellport/internal/sftpfs"
	"github.com/shellport/shellport/internal/sshconn"
)

var (
	ErrNotConnected       = errors.New("SSH connection not active")
	ErrMonitorUnavailable = errors.New("Monitor session unavailable")
	ErrFilesUnavailable   = errors.New("SFTP session unavailable")
	ErrTooManySessions    = errors.New("maximum number of sessions reached")
	errEmptySessionID     = errors.New("session id is empty")
)

// monitorExecTimeout bounds each batched metric command on the monitor
// transport.
const monitorExecTimeout = 10 * time.Second

// DialFunc opens one authenticated transport.
type DialFunc func(ctx context.Context, sessionID string, cfg sshconn.Config, opts ...sshconn.Option) (*sshconn.Client, error)

// Options configures a Registry. Zero values pick the defaults.
type Options struct {
	Dial        DialFunc
	DialOptions []sshconn.Option
	FSOptions   []sftpfs.Option

	Sampler *monitor.Sampler
	Auditor *audit.Auditor
	// RateLimit enables per-id connect throttling when set.
	RateLimit *RateLimitConfig

	// MaxSessions of 0 or less means unlimited.
	MaxSessions int
	PumpIdle    time.Duration

	Term string
	Cols int
	Rows int
}

// Registry maps session ids to live records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	bus     events.Emitter
	opts    Options
	limiter *rateLimiter
	states  *stateTracker
	events  *eventLog
}

type record struct {
	id          string
	addr        string
	username    string
	connectedAt time.Time

	shellMu    sync.Mutex
	shell      *sshconn.Shell
	shellConn  *sshconn.Client
	monitor    *monitorChannel
	fs         sftpfs.FileSystem
	closeOnce  sync.Once
	pumpExited chan struct{}
}

// monitorChannel runs metric commands one at a time on the monitor
// transport so the stall timeout is never shared between two commands.
type monitorChannel struct {
	mu     sync.Mutex
	client *sshconn.Client
}

func (m *monitorChannel) Exec(ctx context.Context, cmd string) (stdout, stderr string, code int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.client.WithTimeout(monitorExecTimeout, func() error {
		var execErr error
		stdout, stderr, code, execErr = m.client.Exec(ctx, cmd)
		return execErr
	})
	return stdout, stderr, code, err
}

// SessionInfo describes a live record.
type SessionInfo struct {
	ID               string    `json:"id"`
	Addr             string    `json:"addr"`
	Username         string    `json:"username"`
	ConnectedAt      time.Time `json:"connected_at"`
	State            State     `json:"state"`
	MonitorAvailable bool      `json:"monitor_available"`
	FilesAvailable   bool      `json:"files_available"`
}

// New returns an empty registry publishing terminal streams on bus.
func New(bus events.Emitter, opts Options) *Registry {
	if opts.Dial == nil {
		opts.Dial = sshconn.Dial
	}
	if opts.Sampler == nil {
		opts.Sampler = monitor.NewSampler()
	}
	if opts.PumpIdle <= 0 {
		opts.PumpIdle = defaultPumpIdle
	}
	r := &Registry{
		records: make(map[string]*record),
		bus:     bus,
		opts:    opts,
		states:  newStateTracker(),
		events:  newEventLog(),
	}
	if opts.RateLimit != nil {
		r.limiter = newRateLimiter(*opts.RateLimit)
	}
	return r
}

// Sampler returns the metric sampler whose cache the registry maintains.
func (r *Registry) Sampler() *monitor.Sampler { return r.opts.Sampler }

// Connect opens a new record for id, replacing any existing one. The shell
// transport must succeed; the monitor and sftp transports are best-effort.
func (r *Registry) Connect(ctx context.Context, id string, cfg sshconn.Config) error {
	if id == "" {
		return errEmptySessionID
	}
	if r.limiter != nil {
		if err := r.limiter.allow(id); err != nil {
			r.events.add(id, EventRateLimited, err.Error())
			return err
		}
	}

	r.mu.RLock()
	_, exists := r.records[id]
	count := len(r.records)
	r.mu.RUnlock()
	if !exists && r.opts.MaxSessions > 0 && count >= r.opts.MaxSessions {
		return fmt.Errorf("%w (%d)", ErrTooManySessions, r.opts.MaxSessions)
	}

	r.states.set(id, StateConnecting)

	if old := r.remove(id); old != nil {
		r.events.add(id, EventReplaced, "existing session closed before reconnect")
		r.closeRecord(old)
	}

	start := time.Now()
	rec, err := r.open(ctx, id, cfg)
	if err != nil {
		r.states.set(id, StateFailed)
		r.events.add(id, EventConnectFailed, err.Error())
		if r.limiter != nil {
			r.limiter.failure(id)
		}
		r.audit(audit.Entry{
			SessionID: id,
			EventType: audit.EventConnectFailed,
			Host:      cfg.Addr(),
			Username:  cfg.Username,
			Details:   err.Error(),
		})
		return err
	}

	r.mu.Lock()
	racing := r.records[id]
	r.records[id] = rec
	r.mu.Unlock()
	if racing != nil {
		r.closeRecord(racing)
	}

	if r.limiter != nil {
		r.limiter.success(id)
	}
	r.states.set(id, StateConnected)
	r.events.add(id, EventConnected, fmt.Sprintf("%s@%s", cfg.Username, rec.addr))
	r.audit(audit.Entry{
		SessionID: id,
		EventType: audit.EventConnected,
		Host:      rec.addr,
		Username:  cfg.Username,
		Duration:  time.Since(start),
	})

	go r.pump(rec)
	return nil
}

// open dials the three transports without holding the registry lock.
func (r *Registry) open(ctx context.Context, id string, cfg sshconn.Config) (*record, error) {
	shellConn, err := r.opts.Dial(ctx, id+"-shell", cfg, r.opts.DialOptions...)
	if err != nil {
		return nil, err
	}
	shell, err := shellConn.OpenShell(r.opts.Term, r.opts.Cols, r.opts.Rows)
	if err != nil {
		shellConn.Close()
		return nil, err
	}

	rec := &record{
		id:          id,
		addr:        cfg.Addr(),
		username:    cfg.Username,
		connectedAt: time.Now(),
		shell:       shell,
		shellConn:   shellConn,
		pumpExited:  make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c, err := r.opts.Dial(ctx, id+"-monitor", cfg, r.opts.DialOptions...)
		if err != nil {
			log.Printf("[session] %s: Monitoring disabled: %v", logutil.SanitizeForLog(id), err)
			r.events.add(id, EventMonitorDisabled, err.Error())
			return
		}
		rec.monitor = &monitorChannel{client: c}
	}()
	go func() {
		defer wg.Done()
		c, err := r.opts.Dial(ctx, id+"-sftp", cfg, r.opts.DialOptions...)
		if err != nil {
			log.Printf("[session] %s: File manager disabled: %v", logutil.SanitizeForLog(id), err)
			r.events.add(id, EventFilesDisabled, err.Error())
			return
		}
		rec.fs = sftpfs.New(c, r.opts.FSOptions...)
	}()
	wg.Wait()

	return rec, nil
}

func (r *Registry) remove(id string) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	delete(r.records, id)
	return rec
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// current reports whether rec is still the live record for its id.
func (r *Registry) current(rec *record) bool {
	return r.lookup(rec.id) == rec
}

// closeRecord closes the shell now and the auxiliary transports in the
// background. The pump notices on its next iteration.
func (r *Registry) closeRecord(rec *record) {
	rec.closeOnce.Do(func() {
		rec.shellMu.Lock()
		rec.shell.Close()
		rec.shellMu.Unlock()
		rec.shellConn.Close()

		mon, fs := rec.monitor, rec.fs
		go func() {
			if mon != nil {
				mon.client.Close()
			}
			if fs != nil {
				if err := fs.Close(); err != nil {
					log.Printf("[session] %s: close sftp: %v", logutil.SanitizeForLog(rec.id), err)
				}
			}
		}()

		r.opts.Sampler.Forget(rec.id)
	})
}

// Disconnect closes and forgets the record for id. Unknown ids are ignored.
func (r *Registry) Disconnect(id string) {
	rec := r.remove(id)
	if rec == nil {
		return
	}
	r.closeRecord(rec)
	r.states.set(id, StateDisconnected)
	r.events.add(id, EventDisconnected, "closed by caller")
	r.audit(audit.Entry{
		SessionID: id,
		EventType: audit.EventDisconnected,
		Host:      rec.addr,
		Username:  rec.username,
		Duration:  time.Since(rec.connectedAt),
	})
}

// CloseAll disconnects every record. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
	log.Printf("[session] closed %d sessions", len(ids))
}

// Write sends input to the shell of id. Unknown ids are a no-op.
func (r *Registry) Write(id string, data []byte) error {
	rec := r.lookup(id)
	if rec == nil {
		return nil
	}
	rec.shellMu.Lock()
	defer rec.shellMu.Unlock()
	if _, err := rec.shell.Write(data); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// Resize changes the PTY size of id. Unknown ids are a no-op.
func (r *Registry) Resize(id string, cols, rows int) error {
	rec := r.lookup(id)
	if rec == nil {
		return nil
	}
	rec.shellMu.Lock()
	defer rec.shellMu.Unlock()
	if err := rec.shell.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Get returns information about the live record for id.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	rec := r.lookup(id)
	if rec == nil {
		return SessionInfo{}, false
	}
	return r.info(rec), true
}

func (r *Registry) info(rec *record) SessionInfo {
	return SessionInfo{
		ID:               rec.id,
		Addr:             rec.addr,
		Username:         rec.username,
		ConnectedAt:      rec.connectedAt,
		State:            r.states.get(rec.id),
		MonitorAvailable: rec.monitor != nil,
		FilesAvailable:   rec.fs != nil,
	}
}

// List returns all live records.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, len(recs))
	for i, rec := range recs {
		out[i] = r.info(rec)
	}
	return out
}

// Monitor returns the command runner for metric sampling on id.
func (r *Registry) Monitor(id string) (monitor.Runner, error) {
	rec := r.lookup(id)
	if rec == nil {
		return nil, ErrNotConnected
	}
	if rec.monitor == nil {
		return nil, ErrMonitorUnavailable
	}
	return rec.monitor, nil
}

// FS returns the file system of id.
func (r *Registry) FS(id string) (sftpfs.FileSystem, error) {
	rec := r.lookup(id)
	if rec == nil {
		return nil, ErrNotConnected
	}
	if rec.fs == nil {
		return nil, ErrFilesUnavailable
	}
	return rec.fs, nil
}

// State returns the connection state of id.
func (r *Registry) State(id string) State { return r.states.get(id) }

// Transitions returns the recorded state history of id.
func (r *Registry) Transitions(id string) []Transition { return r.states.history(id) }

// OnStateChange registers cb for every state change.
func (r *Registry) OnStateChange(cb StateCallback) { r.states.onChange(cb) }

// Events returns up to n recent events for id; n <= 0 returns all kept.
func (r *Registry) Events(id string, n int) []Event { return r.events.recent(id, n) }

func (r *Registry) audit(e audit.Entry) {
	if r.opts.Auditor == nil {
		return
	}
	if err := r.opts.Auditor.Log(e); err != nil {
		log.Printf("[session] audit %s: %v", e.EventType, err)
	}
}
