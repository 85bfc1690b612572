package store

import (
	"encoding/json"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestGetMissingDocumentReturnsFalse(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	var d doc
	if repo.Get("absent.json", &d) {
		t.Fatalf("expected miss for absent document")
	}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	if err := repo.Put("state.json", doc{Name: "telegram", Count: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var d doc
	if !repo.Get("state.json", &d) {
		t.Fatalf("expected hit after put")
	}
	if d.Name != "telegram" || d.Count != 3 {
		t.Fatalf("unexpected document: %+v", d)
	}
}

func TestAppendAndScanPreservesOrder(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := repo.Append("rows.jsonl", doc{Name: "row", Count: i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	var counts []int
	err = repo.Scan("rows.jsonl", func(line []byte) {
		var d doc
		if json.Unmarshal(line, &d) == nil {
			counts = append(counts, d.Count)
		}
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(counts) != 3 || counts[0] != 0 || counts[2] != 2 {
		t.Fatalf("unexpected scan order: %v", counts)
	}
}

func TestScanMissingLogIsNotAnError(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	if err := repo.Scan("absent.jsonl", func([]byte) { t.Fatal("unexpected line") }); err != nil {
		t.Fatalf("scan of missing log: %v", err)
	}
}
