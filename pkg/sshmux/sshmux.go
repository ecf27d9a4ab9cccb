package sshmux

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/hydralab/hydra/pkg/keys"
)

const (
	upstreamFile   = "upstream"
	authorizedFile = "authorized_keys"
	privateKeyFile = "id_ed25519"

	// Forwarded SSH ports for remote nodes live in [22000, 32000),
	// derived deterministically from the username.
	forwardPortBase  = 22000
	forwardPortRange = 10000
)

// Writer maintains the SSH multiplexer's per-user configuration
// directory. The external multiplexer polls the directory; every write
// uses temp-file-then-rename so it never observes a partial file.
type Writer struct {
	root string
}

// NewWriter creates a writer rooted at the mux config directory.
func NewWriter(root string) (*Writer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ssh mux root: %w", err)
	}
	return &Writer{root: root}, nil
}

// UserDir returns the per-user config directory.
func (w *Writer) UserDir(username string) string {
	return filepath.Join(w.root, "student-"+username)
}

// ForwardPort derives the host-side forwarded SSH port for a username.
func ForwardPort(username string) int {
	h := fnv.New32a()
	h.Write([]byte(username))
	return forwardPortBase + int(h.Sum32()%forwardPortRange)
}

// WriteAll writes upstream, authorized_keys and id_ed25519 for a user.
// Called on container init.
func (w *Writer) WriteAll(username, host string, port int, pair *keys.Pair) error {
	dir := w.UserDir(username)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create user mux dir: %w", err)
	}

	if err := w.writeUpstream(username, host, port); err != nil {
		return err
	}
	return w.WriteKeys(username, pair)
}

// WriteUpstream rewrites only the upstream file. Called on migrate.
func (w *Writer) WriteUpstream(username, host string, port int) error {
	if err := os.MkdirAll(w.UserDir(username), 0o755); err != nil {
		return fmt.Errorf("failed to create user mux dir: %w", err)
	}
	return w.writeUpstream(username, host, port)
}

func (w *Writer) writeUpstream(username, host string, port int) error {
	line := fmt.Sprintf("%s:%d\n", host, port)
	return atomicWrite(filepath.Join(w.UserDir(username), upstreamFile), []byte(line), 0o644)
}

// WriteKeys rewrites the key files atomically. Called on init and on
// regenerate_keys.
func (w *Writer) WriteKeys(username string, pair *keys.Pair) error {
	dir := w.UserDir(username)
	if err := atomicWrite(filepath.Join(dir, authorizedFile), pair.AuthorizedKey, 0o644); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, privateKeyFile), pair.PrivatePEM, 0o600)
}

// ReadUpstream returns the current upstream line for a user, trimmed.
func (w *Writer) ReadUpstream(username string) (string, error) {
	data, err := os.ReadFile(filepath.Join(w.UserDir(username), upstreamFile))
	if err != nil {
		return "", err
	}
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return string(data), nil
}

// Remove deletes the user's mux directory. Called on destroy and wipe.
// Removing an absent directory is success.
func (w *Writer) Remove(username string) error {
	if err := os.RemoveAll(w.UserDir(username)); err != nil {
		return fmt.Errorf("failed to remove user mux dir: %w", err)
	}
	return syncDir(w.root)
}

// atomicWrite writes data to a sibling temp file, fsyncs it, renames it
// over path, and fsyncs the parent directory.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
