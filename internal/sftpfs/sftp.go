package sftpfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	units "github.com/docker/go-units"
	"github.com/pkg/sftp"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/sshconn"
)

// Per-operation stall timeouts. Zero means none.
const (
	InitTimeout     = 3 * time.Second
	listTimeout     = 5 * time.Second
	mkdirTimeout    = 5 * time.Second
	createTimeout   = 5 * time.Second
	renameTimeout   = 5 * time.Second
	deleteTimeout   = 8 * time.Second
	copyTimeout     = 10 * time.Second
	textTimeout     = 10 * time.Second
	homeTimeout     = 5 * time.Second
	chmodTimeout    = 5 * time.Second
	transferTimeout = 0

	// DefaultTextLimit caps ReadText.
	DefaultTextLimit = 5 * 1024 * 1024

	copyBufferSize = 64 * 1024

	// closeSettle is how long a fast init failure waits for the transport
	// to report that it died.
	closeSettle = 200 * time.Millisecond
)

// SFTP is a FileSystem over one SSH transport. Operations are serialized
// because the transport timeout is shared state.
type SFTP struct {
	conn        *sshconn.Client
	textLimit   int64
	initTimeout time.Duration

	mu     sync.Mutex
	client *sftp.Client
	// lost is set once the transport died; every later call returns it.
	lost error
}

// Option configures an SFTP file system.
type Option func(*SFTP)

// WithTextLimit sets the largest file ReadText accepts.
func WithTextLimit(n int64) Option {
	return func(f *SFTP) {
		if n > 0 {
			f.textLimit = n
		}
	}
}

// WithInitTimeout bounds the sftp subsystem handshake.
func WithInitTimeout(d time.Duration) Option {
	return func(f *SFTP) {
		if d > 0 {
			f.initTimeout = d
		}
	}
}

// New wraps conn. The sftp subsystem is started on first use. The file
// system owns conn from here on and closes it in Close.
func New(conn *sshconn.Client, opts ...Option) *SFTP {
	f := &SFTP{conn: conn, textLimit: DefaultTextLimit, initTimeout: InitTimeout}
	for _, o := range opts {
		o(f)
	}
	return f
}

var _ FileSystem = (*SFTP)(nil)

// markLost records that the transport is gone. Caller holds f.mu.
func (f *SFTP) markLost(cause error) {
	if f.lost != nil {
		return
	}
	if cause != nil {
		f.lost = fmt.Errorf("%w (%v)", ErrConnectionLost, cause)
	} else {
		f.lost = ErrConnectionLost
	}
	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
	log.Printf("[sftp] transport to %s lost: %v", f.conn.Addr(), cause)
}

// transportErr reports a dead transport, waiting up to wait for the close
// to be noticed. Caller holds f.mu.
func (f *SFTP) transportErr(wait time.Duration) error {
	if f.lost != nil {
		return f.lost
	}
	if wait <= 0 {
		select {
		case <-f.conn.Done():
			f.markLost(f.conn.Err())
			return f.lost
		default:
			return nil
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-f.conn.Done():
		f.markLost(f.conn.Err())
		return f.lost
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sftpClient returns the subsystem client, starting it if needed.
// Caller holds f.mu.
func (f *SFTP) sftpClient() (*sftp.Client, error) {
	if err := f.transportErr(0); err != nil {
		return nil, err
	}
	if f.client != nil {
		return f.client, nil
	}
	start := time.Now()
	var c *sftp.Client
	err := f.conn.WithTimeout(f.initTimeout, func() error {
		var err error
		c, err = sftp.NewClient(f.conn.SSH())
		return err
	})
	if err != nil {
		elapsed := time.Since(start)
		log.Printf("[sftp] init failed on %s after %s: %v", f.conn.Addr(), elapsed.Round(time.Millisecond), err)
		if elapsed >= f.initTimeout || isTimeout(err) {
			// The stall deadline is on the shared connection, so the
			// transport is gone with it.
			f.markLost(err)
			return nil, ErrInitTimeout
		}
		if lost := f.transportErr(closeSettle); lost != nil {
			return nil, lost
		}
		return nil, ErrNotEnabled
	}
	f.client = c
	return c, nil
}

// run serializes op, starts the subsystem and applies timeout around fn.
func (f *SFTP) run(ctx context.Context, timeout time.Duration, fn func(c *sftp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.sftpClient()
	if err != nil {
		return err
	}
	err = f.conn.WithTimeout(timeout, func() error { return fn(c) })
	if err != nil && isTimeout(err) {
		f.markLost(err)
	}
	return err
}

func (f *SFTP) ListDir(ctx context.Context, dir string) ([]FileEntry, error) {
	var entries []FileEntry
	err := f.run(ctx, listTimeout, func(c *sftp.Client) error {
		infos, err := c.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("Read Dir Error: %w", err)
		}
		entries = make([]FileEntry, 0, len(infos))
		for _, fi := range infos {
			name := fi.Name()
			if name == "." || name == ".." {
				continue
			}
			entries = append(entries, toEntry(dir, fi))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortEntries(entries)
	return entries, nil
}

func toEntry(dir string, fi os.FileInfo) FileEntry {
	e := FileEntry{
		Name:         fi.Name(),
		Path:         joinPath(dir, fi.Name()),
		IsDir:        fi.IsDir(),
		Size:         fi.Size(),
		LastModified: fi.ModTime().Unix() * 1000,
		Permissions:  FormatPermissions(uint32(fi.Mode().Perm()), fi.IsDir()),
		Owner:        "0",
		Group:        "0",
	}
	if !e.IsDir {
		e.Extension = extension(e.Name)
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		e.Owner = strconv.FormatUint(uint64(st.UID), 10)
		e.Group = strconv.FormatUint(uint64(st.GID), 10)
	}
	return e
}

func (f *SFTP) Mkdir(ctx context.Context, dir string) error {
	return f.run(ctx, mkdirTimeout, func(c *sftp.Client) error {
		if err := c.Mkdir(dir); err != nil {
			return err
		}
		return c.Chmod(dir, 0o755)
	})
}

func (f *SFTP) CreateFile(ctx context.Context, name string) error {
	return f.run(ctx, createTimeout, func(c *sftp.Client) error {
		fh, err := c.Create(name)
		if err != nil {
			return err
		}
		return fh.Close()
	})
}

func (f *SFTP) Rename(ctx context.Context, from, to string) error {
	return f.run(ctx, renameTimeout, func(c *sftp.Client) error {
		return c.Rename(from, to)
	})
}

// Delete removes a file, or a directory and everything below it.
func (f *SFTP) Delete(ctx context.Context, name string, isDir bool) error {
	return f.run(ctx, deleteTimeout, func(c *sftp.Client) error {
		if !isDir {
			return c.Remove(name)
		}
		type node struct {
			path string
			dir  bool
		}
		var nodes []node
		walker := c.Walk(name)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return err
			}
			nodes = append(nodes, node{walker.Path(), walker.Stat().IsDir()})
		}
		// Walk is pre-order; removing in reverse empties each directory
		// before it is removed.
		for i := len(nodes) - 1; i >= 0; i-- {
			var err error
			if nodes[i].dir {
				err = c.RemoveDirectory(nodes[i].path)
			} else {
				err = c.Remove(nodes[i].path)
			}
			if err != nil {
				return fmt.Errorf("delete %s: %w", nodes[i].path, err)
			}
		}
		return nil
	})
}

func (f *SFTP) Copy(ctx context.Context, from, to string) error {
	return f.run(ctx, copyTimeout, func(c *sftp.Client) error {
		src, err := c.Open(from)
		if err != nil {
			return fmt.Errorf("Failed to open src: %w", err)
		}
		defer src.Close()
		dst, err := c.Create(to)
		if err != nil {
			return fmt.Errorf("Failed to create dst: %w", err)
		}
		n, err := copyBuffered(ctx, dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("Copy stream failed: %w", err)
		}
		log.Printf("[sftp] copied %s -> %s (%s)", logutil.SanitizeForLog(from), logutil.SanitizeForLog(to), units.HumanSize(float64(n)))
		return nil
	})
}

func (f *SFTP) Download(ctx context.Context, remote, local string) error {
	start := time.Now()
	return f.run(ctx, transferTimeout, func(c *sftp.Client) error {
		src, err := c.Open(remote)
		if err != nil {
			return fmt.Errorf("Open remote failed: %w", err)
		}
		defer src.Close()
		dst, err := os.Create(local)
		if err != nil {
			return fmt.Errorf("Create local failed: %w", err)
		}
		defer dst.Close()

		n, err := copyBuffered(ctx, dst, src)
		if err != nil {
			return fmt.Errorf("Download failed: %w", err)
		}
		if err := dst.Sync(); err != nil {
			return fmt.Errorf("Download failed: %w", err)
		}
		log.Printf("[sftp] downloaded %s (%s) in %s", logutil.SanitizeForLog(remote), units.HumanSize(float64(n)), time.Since(start).Round(time.Millisecond))
		return nil
	})
}

func (f *SFTP) Upload(ctx context.Context, local, remote string) error {
	start := time.Now()
	return f.run(ctx, transferTimeout, func(c *sftp.Client) error {
		src, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("Open local failed: %w", err)
		}
		defer src.Close()
		dst, err := c.Create(remote)
		if err != nil {
			return fmt.Errorf("Create remote failed: %w", err)
		}
		n, err := copyBuffered(ctx, dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("Upload failed: %w", err)
		}
		log.Printf("[sftp] uploaded %s (%s) in %s", logutil.SanitizeForLog(remote), units.HumanSize(float64(n)), time.Since(start).Round(time.Millisecond))
		return nil
	})
}

// Chmod applies an octal mode such as "755". Recursive changes run chmod -R
// on the remote host.
func (f *SFTP) Chmod(ctx context.Context, name, mode string, recursive bool) error {
	bits, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || bits > 0o7777 {
		return fmt.Errorf("Invalid octal mode: %q", mode)
	}

	if recursive {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.transportErr(0); err != nil {
			return err
		}
		cmd := fmt.Sprintf("chmod -R %03o %s", bits, shellQuote(name))
		var stderr string
		var code int
		err := f.conn.WithTimeout(chmodTimeout, func() error {
			var execErr error
			_, stderr, code, execErr = f.conn.Exec(ctx, cmd)
			return execErr
		})
		if err != nil {
			if isTimeout(err) {
				f.markLost(err)
			}
			return err
		}
		if code != 0 {
			log.Printf("[sftp] recursive chmod on %s exited %d: %s", logutil.SanitizeForLog(name), code, logutil.SanitizeForLog(stderr))
			return fmt.Errorf("Recursive chmod failed (Exit: %d)", code)
		}
		return nil
	}

	return f.run(ctx, chmodTimeout, func(c *sftp.Client) error {
		fi, err := c.Stat(name)
		if err != nil {
			return err
		}
		return c.Chmod(name, replacePerm(fi.Mode(), uint32(bits)))
	})
}

// replacePerm swaps the permission and special bits of m for the octal bits.
func replacePerm(m os.FileMode, bits uint32) os.FileMode {
	m &^= os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky
	m |= os.FileMode(bits & 0o777)
	if bits&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if bits&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if bits&0o1000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

func (f *SFTP) ReadText(ctx context.Context, name string) (string, error) {
	var text string
	err := f.run(ctx, textTimeout, func(c *sftp.Client) error {
		fh, err := c.Open(name)
		if err != nil {
			return err
		}
		defer fh.Close()

		fi, err := fh.Stat()
		if err != nil {
			return err
		}
		if fi.Size() > f.textLimit {
			return tooLargeError{f.textLimit}
		}
		data, err := io.ReadAll(io.LimitReader(fh, f.textLimit+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > f.textLimit {
			return tooLargeError{f.textLimit}
		}
		if !utf8.Valid(data) {
			return ErrBinary
		}
		text = string(data)
		return nil
	})
	return text, err
}

func (f *SFTP) WriteText(ctx context.Context, name, content string) error {
	return f.run(ctx, textTimeout, func(c *sftp.Client) error {
		fh, err := c.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(fh, content); err != nil {
			fh.Close()
			return err
		}
		return fh.Close()
	})
}

// tooLargeError reports a configured limit other than the default. It
// matches ErrTooLarge.
type tooLargeError struct{ limit int64 }

func (e tooLargeError) Error() string {
	if e.limit == DefaultTextLimit {
		return ErrTooLarge.Error()
	}
	return "File too large (>" + units.BytesSize(float64(e.limit)) + ")"
}

func (e tooLargeError) Is(target error) bool { return target == ErrTooLarge }

// HomeDir resolves the login directory of the remote user.
func (f *SFTP) HomeDir(ctx context.Context) (string, error) {
	var home string
	err := f.run(ctx, homeTimeout, func(c *sftp.Client) error {
		p, err := c.RealPath(".")
		if err != nil {
			return err
		}
		home = p
		return nil
	})
	return home, err
}

// IsDir reports whether name is an existing directory. Any stat failure
// reads as false; only subsystem failures are returned.
func (f *SFTP) IsDir(ctx context.Context, name string) (bool, error) {
	var isDir bool
	err := f.run(ctx, listTimeout, func(c *sftp.Client) error {
		fi, err := c.Stat(name)
		isDir = err == nil && fi.IsDir()
		return nil
	})
	return isDir, err
}

// Close ends the subsystem and the transport under it.
func (f *SFTP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
	return f.conn.Close()
}

// copyBuffered streams src into dst through a 64 KiB buffer and flushes.
func copyBuffered(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	w := bufio.NewWriterSize(dst, copyBufferSize)
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(onlyWriter{w}, ctxReader{ctx, src}, buf)
	if err != nil {
		return n, err
	}
	return n, w.Flush()
}

// onlyWriter hides ReadFrom so io.CopyBuffer uses the provided buffer and
// the context-aware reader.
type onlyWriter struct{ io.Writer }

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
