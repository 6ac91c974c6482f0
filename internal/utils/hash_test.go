package utils

import "testing"

func TestJobIDDeterministic(t *testing.T) {
	raw := "url=http://example.com/a.csv&column=age&value=30"
	if JobID(raw) != JobID(raw) {
		t.Fatal("JobID is not deterministic")
	}
	if got := len(JobID(raw)); got != hashLen {
		t.Fatalf("len(JobID) = %d, want %d", got, hashLen)
	}
}

func TestJobIDOrderSensitive(t *testing.T) {
	a := JobID("url=http://example.com/a.csv&column=age&value=30")
	b := JobID("column=age&value=30&url=http://example.com/a.csv")
	if a == b {
		t.Fatal("reordered signatures must not share a job id")
	}
}

func TestSourceIDSharedAcrossJobs(t *testing.T) {
	if SourceID("http://example.com/a.csv") != SourceID("http://example.com/a.csv") {
		t.Fatal("SourceID differs for the same url")
	}
	if SourceID("http://example.com/a.csv") == SourceID("http://example.com/b.csv") {
		t.Fatal("SourceID collides for different urls")
	}
}
