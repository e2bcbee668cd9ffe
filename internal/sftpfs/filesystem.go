// Package sftpfs is the remote file manager backend. FileSystem is the
// capability set the HTTP layer talks to; SFTP implements it over a
// dedicated SSH transport.
package sftpfs

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
)

var (
	ErrInitTimeout = errors.New("SFTP Connection Timed Out. (Server response slow)")
	ErrNotEnabled  = errors.New("SFTP not enabled on this server. (Please install openssh-sftp-server)")
	ErrTooLarge    = errors.New("File too large (>5MB)")
	ErrBinary      = errors.New("File is not valid UTF-8 text")

	// ErrConnectionLost is returned once the transport under the file
	// system has died, typically after a stall timeout fired.
	ErrConnectionLost = errors.New("SFTP connection lost. Please reconnect the session.")
)

// FileSystem is implemented by every remote file backend.
type FileSystem interface {
	ListDir(ctx context.Context, dir string) ([]FileEntry, error)
	Mkdir(ctx context.Context, dir string) error
	CreateFile(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	Delete(ctx context.Context, name string, isDir bool) error
	Copy(ctx context.Context, from, to string) error
	Download(ctx context.Context, remote, local string) error
	Upload(ctx context.Context, local, remote string) error
	Chmod(ctx context.Context, name, mode string, recursive bool) error
	ReadText(ctx context.Context, name string) (string, error)
	WriteText(ctx context.Context, name, content string) error
	HomeDir(ctx context.Context) (string, error)
	IsDir(ctx context.Context, name string) (bool, error)
	Close() error
}

// FileEntry is one directory listing row.
type FileEntry struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	IsDir        bool   `json:"isDir"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"` // unix milliseconds
	Permissions  string `json:"permissions"`  // e.g. "drwxr-xr-x"
	Owner        string `json:"owner"`
	Group        string `json:"group"`
	Extension    string `json:"extension"`
}

// SortEntries orders directories first, then by name.
func SortEntries(entries []FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
}

// joinPath appends name to dir without doubling a trailing slash.
func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// extension returns the file extension without the dot. Dot files such as
// ".bashrc" have none.
func extension(name string) string {
	ext := path.Ext(name)
	if ext == name || ext == "" {
		return ""
	}
	return ext[1:]
}

// FormatPermissions renders mode bits as a 10 character ls-style string.
func FormatPermissions(perm uint32, isDir bool) string {
	const rwx = "rwxrwxrwx"
	var b strings.Builder
	b.Grow(10)
	if isDir {
		b.WriteByte('d')
	} else {
		b.WriteByte('-')
	}
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b.WriteByte(rwx[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
