package usage

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestInsertAndSummary(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	records := []AttemptRecord{
		{Time: 1000, IdentityKey: "a", Mode: "codex", Model: "gpt-5-codex", Status: 200, Attempts: 1, LatencyMs: 100},
		{Time: 2000, IdentityKey: "a", Mode: "codex", Model: "gpt-5-codex", Status: 429, Attempts: 3, Reason: "all_accounts_rate_limited", LatencyMs: 300},
		{Time: 3000, IdentityKey: "b", Mode: "codex", Model: "gpt-5-codex", Status: 200, Attempts: 2, Reason: "retry_switched_account_after_429", LatencyMs: 200},
	}
	for _, rec := range records {
		if err := l.InsertAttempt(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	sums, err := l.Summary(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 || sums[0].IdentityKey != "a" {
		t.Fatalf("summary = %+v", sums)
	}
	if sums[0].Requests != 2 || sums[0].RateLimited != 1 || sums[0].AvgLatencyMs != 200 {
		t.Fatalf("account a = %+v", sums[0])
	}

	// Since filter excludes the older rows.
	sums, err = l.Summary(ctx, 2500)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].IdentityKey != "b" {
		t.Fatalf("filtered summary = %+v", sums)
	}
}

func TestPurge(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for ts := int64(1000); ts <= 3000; ts += 1000 {
		if err := l.InsertAttempt(ctx, AttemptRecord{Time: ts, IdentityKey: "a", Mode: "codex", Status: 200, Attempts: 1, LatencyMs: 50}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := l.Purge(ctx, 2500)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("purged = %d, want 2", n)
	}

	sums, err := l.Summary(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].Requests != 1 {
		t.Fatalf("after purge = %+v", sums)
	}
}
