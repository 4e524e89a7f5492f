package dialog

import (
	"testing"
)

func TestSplitBatchSingle(t *testing.T) {
	shared, frags := SplitBatch("fix the login bug")
	if shared != "" || len(frags) != 1 || frags[0] != "fix the login bug" {
		t.Errorf("got shared=%q frags=%v", shared, frags)
	}
}

func TestSplitBatchNumbered(t *testing.T) {
	msg := "Tasks for An:\n1. fix login\n2. update docs\n3. deploy staging"
	shared, frags := SplitBatch(msg)
	if shared != "An" {
		t.Errorf("shared = %q, want An", shared)
	}
	want := []string{"fix login", "update docs", "deploy staging"}
	if len(frags) != 3 {
		t.Fatalf("frags = %v", frags)
	}
	for i := range want {
		if frags[i] != want[i] {
			t.Errorf("frags[%d] = %q, want %q", i, frags[i], want[i])
		}
	}
}

func TestSplitBatchOrdinals(t *testing.T) {
	msg := "first fix the login, second update the docs, third deploy"
	_, frags := SplitBatch(msg)
	if len(frags) != 3 {
		t.Fatalf("frags = %v", frags)
	}
	if frags[0] != "fix the login" || frags[2] != "deploy" {
		t.Errorf("frags = %v", frags)
	}
}

func TestSplitBatchSeparators(t *testing.T) {
	msg := "fix the API, then write the changelog and also ping the client"
	_, frags := SplitBatch(msg)
	if len(frags) != 3 {
		t.Fatalf("frags = %v", frags)
	}
	if frags[0] != "fix the API" || frags[1] != "write the changelog" || frags[2] != "ping the client" {
		t.Errorf("frags = %v", frags)
	}
}

func TestSplitBatchDeterministic(t *testing.T) {
	msg := "Tasks for Binh: 1. one 2. two"
	for i := 0; i < 10; i++ {
		shared, frags := SplitBatch(msg)
		if shared != "Binh" || len(frags) != 2 {
			t.Fatalf("run %d: shared=%q frags=%v", i, shared, frags)
		}
	}
}
