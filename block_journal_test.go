package main

import (
	"testing"
)

func TestBlockJournalPendingThenAccepted(t *testing.T) {
	dir := t.TempDir()
	j := NewBlockJournal(dir)

	if err := j.RecordPending(100, "hash1", "addr1", "deadbeef", "01020304"); err != nil {
		t.Fatalf("record pending: %v", err)
	}

	pending, err := j.PendingEntries()
	if err != nil {
		t.Fatalf("pending entries: %v", err)
	}
	if len(pending) != 1 || pending[0].Hash != "hash1" {
		t.Fatalf("expected one pending entry, got %+v", pending)
	}

	if err := j.MarkAccepted("hash1"); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}

	pending, err = j.PendingEntries()
	if err != nil {
		t.Fatalf("pending entries after accept: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries after acceptance, got %+v", pending)
	}
}

func TestBlockJournalKeepsOnlyLatestPerHash(t *testing.T) {
	dir := t.TempDir()
	j := NewBlockJournal(dir)

	if err := j.RecordPending(1, "hashA", "addr1", "aa", "01"); err != nil {
		t.Fatalf("record pending: %v", err)
	}
	if err := j.RecordPending(2, "hashB", "addr2", "bb", "02"); err != nil {
		t.Fatalf("record pending: %v", err)
	}
	if err := j.MarkRejected("hashA"); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}

	pending, err := j.PendingEntries()
	if err != nil {
		t.Fatalf("pending entries: %v", err)
	}
	if len(pending) != 1 || pending[0].Hash != "hashB" {
		t.Fatalf("expected only hashB still pending, got %+v", pending)
	}
}

func TestBlockJournalPendingEntriesOnMissingFile(t *testing.T) {
	j := NewBlockJournal(t.TempDir())
	pending, err := j.PendingEntries()
	if err != nil {
		t.Fatalf("pending entries on fresh journal: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %+v", pending)
	}
}
