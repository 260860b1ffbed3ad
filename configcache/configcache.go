// Package configcache persists the last-known cluster configuration to
// disk and reads it back (spec.md's "configuration file cache" external
// collaborator -- kept as a thin serializer, not expanded, per the
// Non-goals list). The Bootstrap Provider writes it after each fetch;
// Handle.Connect does not read it, so it never seeds a fresh Handle's
// VBucket Map.
package configcache

import (
	"bytes"
	"os"

	"github.com/couchgo/couchgo/errs"
)

// separator marks the boundary between the bucket name and the raw
// config JSON in the cache file. A NUL byte never appears in either a
// bucket name or JSON text, so it is an unambiguous delimiter without
// needing a length prefix or a second file.
const separator = 0x00

// Load reads a previously Saved cache file, returning the bucket name
// and the raw config JSON exactly as they were written. A missing file
// is reported via os.IsNotExist on the returned error -- callers treat
// that as "no cache available", not a failure.
func Load(path string) (bucketName string, configJSON []byte, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	idx := bytes.IndexByte(raw, separator)
	if idx < 0 {
		return "", nil, errs.New("CONFIG_CACHE_CORRUPT", errs.ClassInternal,
			"cache file %s is missing its bucket-name separator", path)
	}
	return string(raw[:idx]), raw[idx+1:], nil
}

// Save writes bucketName and configJSON to path as bucketName +
// separator + configJSON, replacing any existing file. The write goes
// to a temp file in the same directory first and is renamed into
// place, so a crash mid-write never leaves a half-written cache for
// the next Load to choke on.
func Save(path, bucketName string, configJSON []byte) error {
	tmp := path + ".tmp"
	buf := make([]byte, 0, len(bucketName)+1+len(configJSON))
	buf = append(buf, bucketName...)
	buf = append(buf, separator)
	buf = append(buf, configJSON...)

	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
