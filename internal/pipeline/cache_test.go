package pipeline

import (
	"fmt"
	"testing"
)

func TestCacheAddDedup(t *testing.T) {
	c := NewBoundedCache[string](10, 0.5)

	if !c.Add("a") {
		t.Fatal("first Add should report a new entry")
	}
	if c.Add("a") {
		t.Fatal("second Add of the same key should report a duplicate")
	}
	if !c.Contains("a") {
		t.Fatal("Contains should see the added key")
	}
	if c.Contains("b") {
		t.Fatal("Contains should not see an absent key")
	}
}

func TestCachePruneEvictsOldest(t *testing.T) {
	c := NewBoundedCache[int](4, 0.5)

	for i := 1; i <= 5; i++ {
		c.Add(i)
	}
	// Cap 4 exceeded on the fifth Add; prune keeps 4*0.5 = 2 newest.
	if c.Len() != 2 {
		t.Fatalf("Len = %d after overflow, want 2", c.Len())
	}
	if c.Contains(1) || c.Contains(2) {
		t.Error("oldest entries should have been evicted")
	}
	if !c.Contains(4) || !c.Contains(5) {
		t.Error("newest entries should survive pruning")
	}
}

func TestCacheInFlightSurvivesPrune(t *testing.T) {
	c := NewBoundedCache[int](4, 0.5)

	c.Add(1)
	c.MarkInFlight(1)
	for i := 2; i <= 5; i++ {
		c.Add(i)
	}
	if !c.Contains(1) {
		t.Fatal("in-flight entry must survive pruning")
	}

	c.ClearInFlight(1)
	for i := 6; i <= 9; i++ {
		c.Add(i)
	}
	if c.Contains(1) {
		t.Error("entry should be evictable once in-flight is cleared")
	}
}

func TestCacheMarkInFlightInserts(t *testing.T) {
	c := NewBoundedCache[string](10, 0.5)

	c.MarkInFlight("x")
	if !c.Contains("x") {
		t.Fatal("MarkInFlight should insert an absent key")
	}
	if c.Add("x") {
		t.Fatal("Add after MarkInFlight should report a duplicate")
	}
}

func TestCacheDefaults(t *testing.T) {
	c := NewBoundedCache[string](0, -1)
	for i := 0; i < 100; i++ {
		c.Add(fmt.Sprintf("key-%d", i))
	}
	if c.Len() != 100 {
		t.Fatalf("Len = %d, want 100 (default cap should be roomy)", c.Len())
	}
}

func TestCacheBounded(t *testing.T) {
	c := NewBoundedCache[int](50, 0.8)
	for i := 0; i < 10_000; i++ {
		c.Add(i)
	}
	if c.Len() > 50 {
		t.Fatalf("Len = %d, cache exceeded its cap", c.Len())
	}
}
