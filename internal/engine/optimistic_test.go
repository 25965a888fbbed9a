package engine

import (
	"errors"
	"testing"
)

func TestOptimisticCommit(t *testing.T) {
	odb := NewOptimisticTransactionDB(NewDB(nil))

	txn := odb.BeginTransaction()
	if err := txn.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := odb.DB().Get(nil, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before commit: got %v, want ErrNotFound", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := odb.DB().Get(nil, []byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Get after commit: got %q, %v", got, err)
	}
}

func TestOptimisticCommitConflict(t *testing.T) {
	odb := NewOptimisticTransactionDB(NewDB(nil))
	if err := odb.DB().Put([]byte("k"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	txn := odb.BeginTransaction()
	if _, err := txn.Get([]byte("k")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := txn.Put([]byte("k"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A concurrent writer bumps the key before commit; validation must fail
	// and the buffered write must be discarded.
	if err := odb.DB().Put([]byte("k"), []byte("9")); err != nil {
		t.Fatalf("concurrent Put: %v", err)
	}
	if err := txn.Commit(); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("Commit: got %v, want ErrWriteConflict", err)
	}
	got, err := odb.DB().Get(nil, []byte("k"))
	if err != nil || string(got) != "9" {
		t.Fatalf("conflicted commit leaked writes: got %q, %v", got, err)
	}
}

func TestOptimisticNonOverlappingCommits(t *testing.T) {
	odb := NewOptimisticTransactionDB(NewDB(nil))

	txn1 := odb.BeginTransaction()
	txn2 := odb.BeginTransaction()
	if err := txn1.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("txn1 Put: %v", err)
	}
	if err := txn2.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("txn2 Put: %v", err)
	}
	if err := txn1.Commit(); err != nil {
		t.Fatalf("txn1 Commit: %v", err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("txn2 Commit: %v", err)
	}
}

func TestOptimisticRollback(t *testing.T) {
	odb := NewOptimisticTransactionDB(NewDB(nil))
	txn := odb.BeginTransaction()
	if err := txn.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := odb.DB().Get(nil, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back write visible: %v", err)
	}
	if err := txn.Commit(); !errors.Is(err, ErrTransactionClosed) {
		t.Fatalf("Commit after Rollback: got %v, want ErrTransactionClosed", err)
	}
}

func TestOptimisticSnapshotConflict(t *testing.T) {
	odb := NewOptimisticTransactionDB(NewDB(nil))
	if err := odb.DB().Put([]byte("k"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	txn := odb.BeginTransaction()
	txn.SetSnapshot()
	if err := odb.DB().Put([]byte("k"), []byte("9")); err != nil {
		t.Fatalf("concurrent Put: %v", err)
	}
	// The write is tracked against the snapshot sequence, so the commit
	// must detect the concurrent bump even without a read.
	if err := txn.Put([]byte("k"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("Commit: got %v, want ErrWriteConflict", err)
	}
}
