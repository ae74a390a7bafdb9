package flog

import (
	"fmt"
	"testing"
	"time"
)

func TestAppendAndQueryNewestFirst(t *testing.T) {
	s := New(10)
	for i := 1; i <= 3; i++ {
		s.Append("calc", "info", fmt.Sprintf("line %d", i), nil)
	}

	page := s.Query("calc", Query{})
	if len(page.Logs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page.Logs))
	}
	if page.Logs[0].Message != "line 3" || page.Logs[2].Message != "line 1" {
		t.Errorf("expected newest first, got %v", page.Logs)
	}
	if page.HasMore {
		t.Error("expected no more pages")
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	s := New(3)
	for i := 1; i <= 5; i++ {
		s.Append("f", "info", fmt.Sprintf("line %d", i), nil)
	}

	page := s.Query("f", Query{})
	if len(page.Logs) != 3 {
		t.Fatalf("expected capacity entries, got %d", len(page.Logs))
	}
	if page.Logs[0].Message != "line 5" || page.Logs[2].Message != "line 3" {
		t.Errorf("unexpected window: %v", page.Logs)
	}
}

func TestCursorPagination(t *testing.T) {
	s := New(100)
	for i := 1; i <= 25; i++ {
		s.Append("f", "info", fmt.Sprintf("line %d", i), nil)
	}

	first := s.Query("f", Query{Limit: 10})
	if len(first.Logs) != 10 || !first.HasMore {
		t.Fatalf("unexpected first page: %d entries, hasMore=%v", len(first.Logs), first.HasMore)
	}
	if first.Logs[0].Message != "line 25" {
		t.Errorf("first page should start at newest, got %s", first.Logs[0].Message)
	}

	second := s.Query("f", Query{Limit: 10, Cursor: first.NextCursor})
	if len(second.Logs) != 10 || !second.HasMore {
		t.Fatalf("unexpected second page: %d entries", len(second.Logs))
	}
	if second.Logs[0].Message != "line 15" {
		t.Errorf("second page should continue, got %s", second.Logs[0].Message)
	}

	third := s.Query("f", Query{Limit: 10, Cursor: second.NextCursor})
	if len(third.Logs) != 5 || third.HasMore {
		t.Fatalf("unexpected third page: %d entries, hasMore=%v", len(third.Logs), third.HasMore)
	}
}

func TestLevelAndSinceFilters(t *testing.T) {
	s := New(10)
	s.Append("f", "info", "started", nil)
	s.Append("f", "error", "failed", nil)

	page := s.Query("f", Query{Level: "error"})
	if len(page.Logs) != 1 || page.Logs[0].Message != "failed" {
		t.Errorf("level filter: %v", page.Logs)
	}

	page = s.Query("f", Query{Since: time.Now().Add(time.Hour)})
	if len(page.Logs) != 0 {
		t.Errorf("future since should match nothing, got %v", page.Logs)
	}
}

func TestLimitBounds(t *testing.T) {
	s := New(10)
	s.Append("f", "info", "one", nil)

	page := s.Query("f", Query{Limit: 5000})
	if len(page.Logs) != 1 {
		t.Errorf("oversized limit should cap, got %d", len(page.Logs))
	}
}

func TestUnknownFunctionEmptyPage(t *testing.T) {
	s := New(10)
	page := s.Query("ghost", Query{})
	if page.Logs == nil || len(page.Logs) != 0 || page.HasMore {
		t.Errorf("unexpected page for unknown function: %+v", page)
	}
}

func TestDrop(t *testing.T) {
	s := New(10)
	s.Append("f", "info", "x", nil)
	s.Drop("f")
	if got := s.Query("f", Query{}); len(got.Logs) != 0 {
		t.Errorf("expected empty after drop, got %v", got.Logs)
	}
}
