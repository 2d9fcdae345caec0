package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks database paths on NFS, SMB and similar mounts,
// where SQLite's locking is unreliable.
var ErrNetworkFilesystem = errors.New("network filesystem")

var networkFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"nfs4":   true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// CheckLocal fails with ErrNetworkFilesystem when path, or the nearest
// existing directory above it, sits on a network mount. Platforms without
// detection always pass.
func CheckLocal(path string) error {
	return checkLocal(path, statfsType)
}

func checkLocal(path string, fsType func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("database path is empty")
	}

	existing, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	kind, err := fsType(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if networkFilesystems[strings.ToLower(strings.TrimSpace(kind))] {
		return fmt.Errorf("audit database %q is on %s (%w); SQLite requires a local filesystem for reliable locking. Point audit.path (or --db) at local disk",
			path, kind, ErrNetworkFilesystem)
	}
	return nil
}

// nearestExisting walks up from path to the first entry that exists, so a
// database that has not been created yet is judged by its directory.
func nearestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("nothing above %q exists", path)
		}
		p = parent
	}
}
