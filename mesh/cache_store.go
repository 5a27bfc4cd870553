// Cached file naming and on-disk layout: hex(algo||digest)+".cache",
// optional 16-way sub-folder sharding, temp vs permanent stores. Grounded
// on hexinfra-gorox's hemi/web_static.go fcache path-building shape
// (join a base dir with a derived filename, optional shard folder).

package mesh

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
)

// CacheFilename returns the "<hex(algo||digest)>.cache" name for a hash.
func CacheFilename(algo HashAlgo, digest []byte) string {
	raw := append([]byte{byte(algo)}, digest...)
	return hex.EncodeToString(raw) + ".cache"
}

// cachePath joins base with filename, sharding by the digest's first hex
// nibble when subFolders is set (16-way sub-folder sharding using the
// first hex nibble after the algo tag).
func cachePath(base, filename string, subFolders bool) string {
	if !subFolders || len(filename) < 4 {
		return filepath.Join(base, filename)
	}
	nibble := filename[2:3] // filename[0:2] is the algo byte's hex, filename[2] is digest's first nibble
	return filepath.Join(base, nibble, filename)
}

// statCachedFile stats filename under both the permanent and temp stores
// (permanent wins), returning its path and size if found.
func statCachedFile(permPath, tempPath string, filename string, subFolders bool) (path string, size int64, ok bool) {
	for _, base := range []string{permPath, tempPath} {
		if base == "" {
			continue
		}
		p := cachePath(base, filename, subFolders)
		if info, err := os.Stat(p); err == nil {
			return p, info.Size(), true
		}
	}
	return "", 0, false
}

// ensureDir makes the parent directory for path if sharding created a
// subfolder that doesn't exist yet.
func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// tempFileInfo is used by purgeOldestUntilUnderCap's sort.
type tempFileInfo struct {
	path    string
	size    int64
	modTime int64
}

// purgeOldestUntilUnderCap deletes the oldest files in dir until its total
// size (including incomingSize, the file about to be added) is at most
// capBytes.
func purgeOldestUntilUnderCap(dir string, capBytes int64, incomingSize int64) error {
	var entries []tempFileInfo
	var total int64

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		entries = append(entries, tempFileInfo{path: path, size: info.Size(), modTime: info.ModTime().Unix()})
		total += info.Size()
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime < entries[j].modTime })

	for _, e := range entries {
		if total+incomingSize <= capBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			continue
		}
		total -= e.size
	}
	return nil
}
