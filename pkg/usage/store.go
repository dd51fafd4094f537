// Package usage persists the two process-local files a node keeps outside
// the replicated log: usage.json (per-grant traffic counters and quota
// cycle state) and service_runtime.json (local component health history).
// Neither file is ever proposed through consensus; both are written
// temp-file + fsync + rename and loaded fail-closed on a schema mismatch.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SchemaVersion is embedded in both on-disk documents this package owns.
const SchemaVersion = 1

// writeJSONAtomic encodes v as indented JSON into path via a temp file in
// the same directory, fsynced and renamed into place. A crash mid-write
// leaves the previous complete file untouched; a reader never observes a
// torn write.
func writeJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	return nil
}

// readJSON decodes path into v. A missing file is reported back via the
// returned bool (false = start from an empty document), not an error.
func readJSON(path string, v interface{}) (found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", path, err)
	}
	return true, nil
}

// ErrSchemaMismatch is returned by Load when an on-disk document's schema
// version doesn't match SchemaVersion. Loading fails closed rather than
// guessing at a migration: spec.md's error-kind taxonomy maps this to
// schema_mismatch at the admin surface.
type ErrSchemaMismatch struct {
	Path   string
	Wanted int
	Found  int
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("%s: schema version %d, want %d", e.Path, e.Found, e.Wanted)
}
