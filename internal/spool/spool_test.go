package spool

import (
	"path/filepath"
	"testing"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentdata.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndReadBatchNewestFirst(t *testing.T) {
	s := openTestSpool(t)

	for i, stamp := range []int64{100, 300, 200} {
		if err := s.Insert(Record{Stamp: stamp, ConfigID: "A", Stream: "x", Result: []byte{byte(i)}}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.ReadBatch(10, true)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Stamp > got[i-1].Stamp {
			t.Fatalf("ReadBatch(newestFirst=true) not descending: %v", got)
		}
	}
}

func TestReadBatchRespectsLimit(t *testing.T) {
	s := openTestSpool(t)
	for i := 0; i < 5; i++ {
		s.Insert(Record{Stamp: int64(i), ConfigID: "A", Stream: "x", Result: []byte("v")})
	}
	got, err := s.ReadBatch(3, true)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d, want 3", len(got))
	}
}

// TestDeleteManyExactPairsOnly exercises the corrected tuple-exact delete
// semantics (§9 Design Notes): deleting (A, t1) and (A, t3) must not
// remove (A, t2) or (B, t1), guarding against the cross-product bug.
func TestDeleteManyExactPairsOnly(t *testing.T) {
	s := openTestSpool(t)
	records := []Record{
		{Stamp: 1, ConfigID: "A", Stream: "x", Result: []byte("a1")},
		{Stamp: 2, ConfigID: "A", Stream: "x", Result: []byte("a2")},
		{Stamp: 3, ConfigID: "A", Stream: "x", Result: []byte("a3")},
		{Stamp: 1, ConfigID: "B", Stream: "x", Result: []byte("b1")},
	}
	for _, r := range records {
		if err := s.Insert(r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := s.DeleteMany([]Pair{{ConfigID: "A", Stamp: 1}, {ConfigID: "A", Stamp: 3}}); err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}

	remaining, err := s.ReadBatch(100, false)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("got %d remaining records, want 2: %+v", len(remaining), remaining)
	}
	for _, r := range remaining {
		if r.ConfigID == "A" && r.Stamp != 2 {
			t.Fatalf("unexpected surviving A row at stamp %d", r.Stamp)
		}
		if r.ConfigID == "B" && r.Stamp != 1 {
			t.Fatalf("B row for unrelated config_id was deleted")
		}
	}
}

func TestStorageUpsertAndGet(t *testing.T) {
	s := openTestSpool(t)
	if err := s.UpsertStorage("uptime:cid-a", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("UpsertStorage: %v", err)
	}
	got, err := s.GetStorage("uptime:cid-a")
	if err != nil {
		t.Fatalf("GetStorage: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("GetStorage = %s", got)
	}
}

func TestGetStorageMissingKeyReturnsNil(t *testing.T) {
	s := openTestSpool(t)
	got, err := s.GetStorage("missing")
	if err != nil {
		t.Fatalf("GetStorage: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %v", got)
	}
}
