package domaintracker

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTracker_RecordDeduplicates(t *testing.T) {
	tr := New(&Config{})
	tr.Record("example.com", net.ParseIP("1.2.3.4"))
	tr.Record("example.com", net.ParseIP("1.2.3.4"))
	tr.Record("example.com", net.ParseIP("5.6.7.8"))
	tr.Record("other.com", net.ParseIP("9.9.9.9"))

	domains, ips := tr.Stats()
	if domains != 2 {
		t.Errorf("expected 2 domains, got %d", domains)
	}
	if ips != 3 {
		t.Errorf("expected 3 distinct (domain, ip) pairs, got %d", ips)
	}
}

func TestTracker_SaveToFileSortedTable(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "domains.txt")

	tr := New(&Config{OutputFile: outFile})
	tr.Record("b.com", net.ParseIP("2.2.2.2"))
	tr.Record("b.com", net.ParseIP("1.1.1.1"))
	tr.Record("a.com", net.ParseIP("3.3.3.3"))

	if err := tr.SaveToFile(); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	content, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	var domainLines []string
	for _, l := range lines {
		if !strings.HasPrefix(l, "#") {
			domainLines = append(domainLines, l)
		}
	}

	want := []string{"a.com -> 3.3.3.3", "b.com -> 1.1.1.1, 2.2.2.2"}
	if len(domainLines) != len(want) {
		t.Fatalf("got lines %v, want %v", domainLines, want)
	}
	for i := range want {
		if domainLines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, domainLines[i], want[i])
		}
	}
}

func TestTracker_SaveToFileNoopWithoutOutputFile(t *testing.T) {
	tr := New(&Config{})
	tr.Record("example.com", net.ParseIP("1.2.3.4"))
	if err := tr.SaveToFile(); err != nil {
		t.Errorf("expected no-op save to succeed, got %v", err)
	}
}

func TestTracker_NilTrackerIsNoOp(t *testing.T) {
	var tr *Tracker

	tr.Record("example.com", net.ParseIP("1.2.3.4"))

	domains, ips := tr.Stats()
	if domains != 0 || ips != 0 {
		t.Errorf("expected zero stats from nil tracker, got domains=%d ips=%d", domains, ips)
	}
	tr.PrintSummary()
	if err := tr.SaveToFile(); err != nil {
		t.Errorf("expected nil tracker SaveToFile to be a no-op, got %v", err)
	}
}
