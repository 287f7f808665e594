package store

import (
	"context"
	"testing"
	"time"
)

func TestAccountLifecycle(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	got, err := st.GetAccount(ctx, "rss")
	if err != nil {
		t.Fatalf("get missing account: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil account, got %+v", got)
	}

	connectedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := st.SaveAccount(ctx, Account{
		Platform: "rss", DisplayName: "Feeds", Connected: true,
		ConnectedAt: connectedAt, ConfigData: "https://a.example/feed,https://b.example/rss",
	}); err != nil {
		t.Fatalf("save account: %v", err)
	}

	got, err = st.GetAccount(ctx, "rss")
	if err != nil || got == nil {
		t.Fatalf("get account: %v %+v", err, got)
	}
	if !got.Connected || got.DisplayName != "Feeds" || !got.ConnectedAt.Equal(connectedAt) {
		t.Fatalf("unexpected account: %+v", got)
	}

	got.Connected = false
	if err := st.SaveAccount(ctx, *got); err != nil {
		t.Fatalf("update account: %v", err)
	}
	if err := st.SaveAccount(ctx, Account{Platform: "youtube", Connected: true}); err != nil {
		t.Fatalf("save second account: %v", err)
	}

	all, err := st.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(all) != 2 || all[0].Platform != "rss" || all[0].Connected {
		t.Fatalf("unexpected accounts: %+v", all)
	}

	if err := st.DeleteAccount(ctx, "rss"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := st.GetAccount(ctx, "rss"); got != nil {
		t.Fatalf("expected account deleted")
	}
}

func TestSplitJoinConfig(t *testing.T) {
	refs := SplitConfig(" a, b,,a , c ")
	if len(refs) != 3 || refs[0] != "a" || refs[1] != "b" || refs[2] != "c" {
		t.Fatalf("unexpected refs: %v", refs)
	}
	if SplitConfig("") != nil {
		t.Fatalf("expected nil for empty config")
	}
	if got := JoinConfig([]string{"x", " y", "x"}); got != "x,y" {
		t.Fatalf("JoinConfig = %q", got)
	}
}

func TestSyncHistory(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	runs := []SyncRun{
		{Platform: "rss", StartedAt: base, Duration: 1500 * time.Millisecond, Count: 3},
		{Platform: "rss", StartedAt: base.Add(time.Hour), Count: 0, ErrKind: "provider_unreachable", Error: "timeout"},
		{Platform: "youtube", StartedAt: base, Count: 5},
	}
	for _, r := range runs {
		if err := st.RecordSyncRun(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	latest, err := st.LatestSyncRuns(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 platforms, got %d", len(latest))
	}
	if latest[0].Platform != "rss" || latest[0].OK() {
		t.Fatalf("expected failed latest rss run, got %+v", latest[0])
	}
	if latest[1].Count != 5 || !latest[1].OK() {
		t.Fatalf("unexpected youtube run: %+v", latest[1])
	}

	last, err := st.LastSuccess(ctx, "rss")
	if err != nil {
		t.Fatalf("last success: %v", err)
	}
	if !last.Equal(base) {
		t.Fatalf("expected last success %v, got %v", base, last)
	}

	none, err := st.LastSuccess(ctx, "telegram")
	if err != nil || !none.IsZero() {
		t.Fatalf("expected zero time for untouched platform, got %v (%v)", none, err)
	}
}
