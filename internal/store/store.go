package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MaxRotations is a variable so tests can exercise rotation with small files.
var MaxRotations = 3

// MaxFileBytes triggers rotation of an append log once exceeded.
var MaxFileBytes int64 = 8 << 20

const maxScanSize = 2 << 20

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL appends one JSON record to the log at path, rotating first if
// the log has outgrown MaxFileBytes.
func AppendJSONL(path string, rec any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfNeeded(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return syncFile(f)
}

func rotateIfNeeded(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < MaxFileBytes {
		return nil
	}
	oldest := fmt.Sprintf("%s.%d", path, MaxRotations)
	_ = os.Remove(oldest)
	for i := MaxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// ScanPaths returns the rotation chain for an append log, oldest first.
func ScanPaths(path string) []string {
	out := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		out = append(out, fmt.Sprintf("%s.%d", path, i))
	}
	out = append(out, path)
	return out
}

// ScanJSONL walks every record in the rotation chain, oldest first. Lines that
// fail to decode are skipped; a torn tail write must not poison the log.
func ScanJSONL(path string, fn func(line []byte) error) error {
	for _, p := range ScanPaths(path) {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sc := newScanner(f)
		for sc.Scan() {
			if err := fn(sc.Bytes()); err != nil {
				_ = f.Close()
				return err
			}
		}
		if err := sc.Err(); err != nil {
			_ = f.Close()
			return err
		}
		_ = f.Close()
	}
	return nil
}

// RewriteJSONL atomically replaces the head of the log (the rotation chain is
// left alone) with the provided records.
func RewriteJSONL(path string, recs []any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}
