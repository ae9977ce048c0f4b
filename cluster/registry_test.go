package cluster_test

import (
	"testing"

	"github.com/kraklabs/execbroker/cluster"
)

func TestNextIsStrictRoundRobin(t *testing.T) {
	r := cluster.NewRegistry()
	r.Connect("e1", 4)
	r.Connect("e2", 4)
	r.Connect("e3", 4)

	var seq []string
	for i := 0; i < 6; i++ {
		ex, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		seq = append(seq, ex.ID)
	}
	want := []string{"e1", "e2", "e3", "e1", "e2", "e3"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("seq = %v, want %v", seq, want)
		}
	}
}

func TestNextFailsWhenEmpty(t *testing.T) {
	r := cluster.NewRegistry()
	if _, err := r.Next(); err == nil {
		t.Fatal("expected ErrNoExecutors")
	}
}

func TestDisconnectReturnsActiveRequests(t *testing.T) {
	r := cluster.NewRegistry()
	r.Connect("e1", 4)
	r.MarkActive("e1", "req-1")
	r.MarkActive("e1", "req-2")

	active := r.Disconnect("e1")
	if len(active) != 2 {
		t.Fatalf("expected 2 active requests, got %v", active)
	}
	if _, ok := r.Get("e1"); ok {
		t.Fatal("expected e1 to be gone after disconnect")
	}
}

func TestDisconnectRemovesFromRoundRobin(t *testing.T) {
	r := cluster.NewRegistry()
	r.Connect("e1", 4)
	r.Connect("e2", 4)
	r.Disconnect("e1")

	ex, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ex.ID != "e2" {
		t.Fatalf("expected e2, got %s", ex.ID)
	}
}

func TestReconnectReplacesExecutorKeepingPosition(t *testing.T) {
	r := cluster.NewRegistry()
	r.Connect("e1", 4)
	r.Connect("e2", 4)
	r.Connect("e1", 4) // reconnect, should not duplicate in round-robin order

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		ex, _ := r.Next()
		seen[ex.ID]++
	}
	if seen["e1"] != 2 || seen["e2"] != 2 {
		t.Fatalf("round-robin skewed after reconnect: %v", seen)
	}
}
