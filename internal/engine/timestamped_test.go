package engine

import (
	"errors"
	"testing"
)

func TestTimestampedVisibilityByReadTS(t *testing.T) {
	tdb := NewTimestampedDB(nil)

	for i, ts := range []uint64{10, 20, 30} {
		txn := tdb.BeginTransaction()
		if err := txn.SetCommitTimestamp(ts); err != nil {
			t.Fatalf("SetCommitTimestamp: %v", err)
		}
		if err := txn.Put(0, []byte("k"), []byte{'a' + byte(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit at ts %d: %v", ts, err)
		}
	}

	cases := []struct {
		readTS uint64
		want   string
		absent bool
	}{
		{readTS: 5, absent: true},
		{readTS: 10, want: "a"},
		{readTS: 25, want: "b"},
		{readTS: 30, want: "c"},
		{readTS: 100, want: "c"},
	}
	for _, tc := range cases {
		got, err := tdb.Get(0, []byte("k"), tc.readTS)
		if tc.absent {
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("read at %d: got %v, want ErrNotFound", tc.readTS, err)
			}
			continue
		}
		if err != nil || string(got) != tc.want {
			t.Fatalf("read at %d: got %q, %v, want %q", tc.readTS, got, err, tc.want)
		}
	}
}

func TestTimestampedTransactionReads(t *testing.T) {
	tdb := NewTimestampedDB(nil)

	setup := tdb.BeginTransaction()
	if err := setup.SetCommitTimestamp(10); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := setup.Put(0, []byte("k"), []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := setup.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn := tdb.BeginTransaction()
	if err := txn.SetReadTimestamp(5); err != nil {
		t.Fatalf("SetReadTimestamp: %v", err)
	}
	if _, err := txn.Get(0, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read below commit ts: got %v, want ErrNotFound", err)
	}
	if err := txn.SetReadTimestamp(10); err != nil {
		t.Fatalf("SetReadTimestamp: %v", err)
	}
	got, err := txn.Get(0, []byte("k"))
	if err != nil || string(got) != "old" {
		t.Fatalf("read at commit ts: got %q, %v", got, err)
	}
	// Own writes overlay the store regardless of timestamps.
	if err := txn.Put(0, []byte("k"), []byte("mine")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err = txn.Get(0, []byte("k"))
	if err != nil || string(got) != "mine" {
		t.Fatalf("read own write: got %q, %v", got, err)
	}
	_ = txn.Rollback()
}

func TestTimestampedWriteWriteConflict(t *testing.T) {
	tdb := NewTimestampedDB(nil)

	txn1 := tdb.BeginTransaction()
	txn2 := tdb.BeginTransaction()
	if err := txn1.SetCommitTimestamp(10); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := txn2.SetCommitTimestamp(20); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := txn1.Put(0, []byte("k"), []byte("one")); err != nil {
		t.Fatalf("txn1 Put: %v", err)
	}
	if err := txn2.Put(0, []byte("k"), []byte("two")); err != nil {
		t.Fatalf("txn2 Put: %v", err)
	}
	if err := txn1.Commit(); err != nil {
		t.Fatalf("txn1 Commit: %v", err)
	}
	// txn2 began before txn1's commit landed on the same key.
	if err := txn2.Commit(); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("txn2 Commit: got %v, want ErrWriteConflict", err)
	}

	got, err := tdb.Get(0, []byte("k"), 100)
	if err != nil || string(got) != "one" {
		t.Fatalf("surviving value: got %q, %v", got, err)
	}
}

func TestTimestampedDisjointKeysNoConflict(t *testing.T) {
	tdb := NewTimestampedDB(nil)

	txn1 := tdb.BeginTransaction()
	txn2 := tdb.BeginTransaction()
	if err := txn1.SetCommitTimestamp(10); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := txn2.SetCommitTimestamp(10); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := txn1.Put(0, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("txn1 Put: %v", err)
	}
	if err := txn2.Put(0, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("txn2 Put: %v", err)
	}
	if err := txn1.Commit(); err != nil {
		t.Fatalf("txn1 Commit: %v", err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("txn2 Commit: %v", err)
	}
}

func TestTimestampedColumnGroupsAndIterator(t *testing.T) {
	tdb := NewTimestampedDB(&Options{ColumnGroups: 2})

	txn := tdb.BeginTransaction()
	if err := txn.SetCommitTimestamp(10); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := txn.Put(0, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Put(1, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Put(1, []byte("c"), []byte("3")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := tdb.Get(1, []byte("a"), 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get wrong group: got %v, want ErrNotFound", err)
	}

	it, err := tdb.NewIterator(1, 100)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()
	var keys []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "c" {
		t.Fatalf("group 1 keys: got %v, want [b c]", keys)
	}

	// An iterator below the commit timestamp sees nothing.
	it2, err := tdb.NewIterator(1, 5)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it2.Close()
	it2.SeekToFirst()
	if it2.Valid() {
		t.Fatalf("iterator below commit ts saw %q", it2.Key())
	}
}

func TestTimestampedSequenceSnapshot(t *testing.T) {
	tdb := NewTimestampedDB(nil)

	txn := tdb.BeginTransaction()
	if err := txn.SetCommitTimestamp(10); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := txn.Put(0, []byte("k"), []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	seq := tdb.Sequence()

	txn2 := tdb.BeginTransaction()
	if err := txn2.SetCommitTimestamp(20); err != nil {
		t.Fatalf("SetCommitTimestamp: %v", err)
	}
	if err := txn2.Put(0, []byte("k"), []byte("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := tdb.GetAt(0, []byte("k"), seq, 100)
	if err != nil || string(got) != "old" {
		t.Fatalf("GetAt pinned seq: got %q, %v", got, err)
	}
	got, err = tdb.Get(0, []byte("k"), 100)
	if err != nil || string(got) != "new" {
		t.Fatalf("Get latest: got %q, %v", got, err)
	}
}

func TestTimestampedFailedCommitInstallsNothing(t *testing.T) {
	tdb := NewTimestampedDB(&Options{Compression: CompressionType(0x7f)})

	txn := tdb.BeginTransaction()
	if err := txn.Put(0, []byte("small"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	large := make([]byte, 100)
	for i := range large {
		large[i] = 'x'
	}
	if err := txn.Put(0, []byte("large"), large); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(); err == nil {
		t.Fatalf("Commit with unknown codec succeeded")
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, err := tdb.Get(0, []byte("small"), 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("op from failed commit visible: %v", err)
	}
	if seq := tdb.Sequence(); seq != 0 {
		t.Fatalf("failed commit bumped sequence to %d", seq)
	}
}
