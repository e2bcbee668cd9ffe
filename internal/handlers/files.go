package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	"github.com/shellport/shellport/internal/audit"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/sftpfs"
)

// maxUploadMemory is how much of a multipart upload is buffered in memory
// before spilling to disk.
const maxUploadMemory = 32 << 20

// sessionFS resolves the file system of the session in the URL, writing the
// error response itself when it is unavailable.
func sessionFS(w http.ResponseWriter, r *http.Request) (string, sftpfs.FileSystem, bool) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return "", nil, false
	}
	id := chi.URLParam(r, "id")
	fs, err := Sessions.FS(id)
	if err != nil {
		writeErr(w, err)
		return id, nil, false
	}
	return id, fs, true
}

func auditFileOp(sessionID, details string) {
	if AuditLog == nil {
		return
	}
	if err := AuditLog.Log(audit.Entry{
		SessionID: sessionID,
		EventType: audit.EventFileOperation,
		Details:   details,
	}); err != nil {
		log.Printf("[files] audit: %v", err)
	}
}

// ListFiles lists a directory, directories first. Without a path the home
// directory is listed.
func ListFiles(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}

	dir := r.URL.Query().Get("path")
	if dir == "" {
		home, err := fs.HomeDir(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		dir = home
	}

	start := time.Now()
	entries, err := fs.ListDir(r.Context(), dir)
	if err != nil {
		log.Printf("[files] list %s for session=%s: %v", logutil.SanitizeForLog(dir), logutil.SanitizeForLog(id), err)
		writeErr(w, err)
		return
	}
	log.Printf("[files] ListFiles session=%s path=%s entries=%d duration=%s",
		logutil.SanitizeForLog(id), logutil.SanitizeForLog(dir), len(entries), time.Since(start))

	if entries == nil {
		entries = []sftpfs.FileEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    dir,
		"entries": entries,
	})
}

func HomeDir(w http.ResponseWriter, r *http.Request) {
	_, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	home, err := fs.HomeDir(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": home})
}

func ReadFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	content, err := fs.ReadText(r.Context(), filePath)
	if err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, fmt.Sprintf("op=read, path=%s, size=%d", filePath, len(content)))
	writeJSON(w, http.StatusOK, map[string]string{
		"path":    filePath,
		"content": content,
	})
}

func WriteFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := fs.WriteText(r.Context(), body.Path, body.Content); err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, fmt.Sprintf("op=write, path=%s, size=%d", body.Path, len(body.Content)))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type pathRequest struct {
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir"`
	Mode      string `json:"mode"`
	Recursive bool   `json:"recursive"`
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func Mkdir(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	var body pathRequest
	if err := decodeJSON(r, &body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := fs.Mkdir(r.Context(), body.Path); err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, "op=mkdir, path="+body.Path)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func CreateFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	var body pathRequest
	if err := decodeJSON(r, &body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := fs.CreateFile(r.Context(), body.Path); err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, "op=create, path="+body.Path)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func RenameFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	var body moveRequest
	if err := decodeJSON(r, &body); err != nil || body.From == "" || body.To == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := fs.Rename(r.Context(), body.From, body.To); err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, fmt.Sprintf("op=rename, from=%s, to=%s", body.From, body.To))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	var body pathRequest
	if err := decodeJSON(r, &body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := fs.Delete(r.Context(), body.Path, body.IsDir); err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, fmt.Sprintf("op=delete, path=%s, dir=%t", body.Path, body.IsDir))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func CopyFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	var body moveRequest
	if err := decodeJSON(r, &body); err != nil || body.From == "" || body.To == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := fs.Copy(r.Context(), body.From, body.To); err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, fmt.Sprintf("op=copy, from=%s, to=%s", body.From, body.To))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func ChmodFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	var body pathRequest
	if err := decodeJSON(r, &body); err != nil || body.Path == "" || body.Mode == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := fs.Chmod(r.Context(), body.Path, body.Mode, body.Recursive); err != nil {
		writeErr(w, err)
		return
	}
	auditFileOp(id, fmt.Sprintf("op=chmod, path=%s, mode=%s, recursive=%t", body.Path, body.Mode, body.Recursive))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DownloadFile streams a remote file. It is staged in a local temp file so
// the SFTP channel is released before the client reads.
func DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	tmp, err := os.CreateTemp("", "shellport-download-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stage download")
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	start := time.Now()
	if err := fs.Download(r.Context(), filePath, tmpPath); err != nil {
		writeErr(w, err)
		return
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open staged download")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stat staged download")
		return
	}

	log.Printf("[files] DownloadFile session=%s path=%s size=%s duration=%s",
		logutil.SanitizeForLog(id), logutil.SanitizeForLog(filePath), units.HumanSize(float64(fi.Size())), time.Since(start))
	auditFileOp(id, fmt.Sprintf("op=download, path=%s, size=%d", filePath, fi.Size()))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(filePath)))
	http.ServeContent(w, r, path.Base(filePath), fi.ModTime(), f)
}

// UploadFile stores the multipart "file" field at the remote path given in
// the query. When path names a directory the upload keeps its file name.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	id, fs, ok := sessionFS(w, r)
	if !ok {
		return
	}
	remote := r.URL.Query().Get("path")
	if remote == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	src, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer src.Close()

	if isDir, err := fs.IsDir(r.Context(), remote); err == nil && isDir {
		remote = path.Join(remote, path.Base(header.Filename))
	}

	tmp, err := os.CreateTemp("", "shellport-upload-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stage upload")
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	size, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stage upload")
		return
	}

	start := time.Now()
	if err := fs.Upload(r.Context(), tmpPath, remote); err != nil {
		writeErr(w, err)
		return
	}
	log.Printf("[files] UploadFile session=%s path=%s size=%s duration=%s",
		logutil.SanitizeForLog(id), logutil.SanitizeForLog(remote), units.HumanSize(float64(size)), time.Since(start))
	auditFileOp(id, fmt.Sprintf("op=upload, path=%s, size=%d", remote, size))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path": remote,
		"size": size,
	})
}
