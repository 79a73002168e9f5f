package record

import (
	"strings"
	"testing"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
)

func TestDecode_JSONLines(t *testing.T) {
	input := `{"memory_id":"m1","content":"a","created_at":"2024-01-01T00:00:00Z"}

not json
{"memory_id":"m2","content":"b","created_at":"2024-01-02T00:00:00Z"}
`
	items, err := Decode[RawMemory](strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[0].Err != nil || items[0].Value.MemoryID != "m1" {
		t.Errorf("items[0] = %+v", items[0])
	}
	if !dmerrors.Is(items[1].Err, dmerrors.ErrNormalization) || items[1].Line != 3 {
		t.Errorf("items[1] = %+v, want normalization error on line 3", items[1])
	}
	if items[2].Value.MemoryID != "m2" || items[2].Line != 4 {
		t.Errorf("items[2] = %+v", items[2])
	}
}

func TestDecode_Array(t *testing.T) {
	input := `  [
  {"repo_name":"r","commit_hash":"abc","timestamp":"2024-01-01T00:00:00Z","message":"m"},
  {"repo_name": 5}
]`
	items, err := Decode[RawCommit](strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Err != nil || items[0].Value.CommitHash != "abc" {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].Err == nil {
		t.Error("items[1].Err = nil, want type error")
	}
}

func TestDecode_Empty(t *testing.T) {
	items, err := Decode[RawMemory](strings.NewReader("  \n "))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0", len(items))
	}
}

func TestDecode_BrokenArray(t *testing.T) {
	_, err := Decode[RawMemory](strings.NewReader(`[{"memory_id":"m1"`))
	if !dmerrors.Is(err, dmerrors.ErrInvalidRequest) {
		t.Fatalf("Decode() error = %v, want INVALID_REQUEST", err)
	}
}
