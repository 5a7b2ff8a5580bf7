package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBackendRoundTripOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	b := New(path)

	values := []any{
		map[string]any{"type": "STATE", "seq": 1},
		map[string]any{"type": "LOG", "seq": 2},
		map[string]any{"type": "STATE", "seq": 3},
	}
	if err := b.Write(values); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("Read() returned %d values, want %d", len(got), len(values))
	}
	for i, raw := range got {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("value %d not valid JSON: %v", i, err)
		}
		if int(m["seq"].(float64)) != i+1 {
			t.Errorf("value %d out of order: %s", i, raw)
		}
	}
}

func TestBackendWriteIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	values := []any{map[string]any{"b": 2, "a": 1}}

	p1 := filepath.Join(dir, "one.jsonl")
	p2 := filepath.Join(dir, "two.jsonl")
	if err := New(p1).Write(values); err != nil {
		t.Fatal(err)
	}
	if err := New(p2).Write(values); err != nil {
		t.Fatal(err)
	}

	b1, _ := os.ReadFile(p1)
	b2, _ := os.ReadFile(p2)
	if string(b1) != string(b2) {
		t.Errorf("writes differ:\n%s\n%s", b1, b2)
	}
}

func TestBackendMissingFileReadsEmpty(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "absent.jsonl"))
	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read() = %v, want empty", got)
	}
}

func TestBackendWriteCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "m.jsonl")
	if err := New(path).Write([]any{"x"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file not created: %v", err)
	}
}
