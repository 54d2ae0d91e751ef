package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type rec struct {
	N int `json:"n"`
}

func TestAppendAndScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	for i := 0; i < 5; i++ {
		if err := AppendJSONL(path, rec{N: i}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	var got []int
	err := ScanJSONL(path, func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err == nil {
			got = append(got, r.N)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 records, got %d", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("record %d out of order: %d", i, n)
		}
	}
}

func TestRotation(t *testing.T) {
	savedRot := MaxRotations
	savedMax := MaxFileBytes
	MaxRotations = 2
	MaxFileBytes = 32
	defer func() {
		MaxRotations = savedRot
		MaxFileBytes = savedMax
	}()

	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	for i := 0; i < 20; i++ {
		if err := AppendJSONL(path, rec{N: i}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotation file: %v", err)
	}
	count := 0
	last := -1
	err := ScanJSONL(path, func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err == nil {
			if r.N <= last {
				t.Fatalf("scan not oldest-first: %d after %d", r.N, last)
			}
			last = r.N
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected surviving records after rotation")
	}
	if last != 19 {
		t.Fatalf("expected newest record 19, got %d", last)
	}
}

func TestScanSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	if err := AppendJSONL(path, rec{N: 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString(`{"n": 2`); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = f.Close()

	count := 0
	err = ScanJSONL(path, func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err == nil {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 intact record, got %d", count)
	}
}
