package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T, dailyCap int) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger_test.db")
	s, err := NewStore(dbPath, dailyCap)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckAndIncrement_CountsWithinDay(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := s.CheckAndIncrement(ctx, "user-a")
		if err != nil {
			t.Fatalf("CheckAndIncrement #%d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d not allowed", i)
		}
		if res.QueriesToday != i {
			t.Errorf("QueriesToday = %d, want %d", res.QueriesToday, i)
		}
		if i == 1 && !res.IsNewDay {
			t.Error("first call should report IsNewDay")
		}
		if i > 1 && res.IsNewDay {
			t.Errorf("call %d should not report IsNewDay", i)
		}
	}

	usage, err := s.GetUsage(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.QueriesToday != 3 {
		t.Errorf("GetUsage QueriesToday = %d, want 3", usage.QueriesToday)
	}
	if usage.MonthlyMessageCount != 3 {
		t.Errorf("MonthlyMessageCount = %d, want 3", usage.MonthlyMessageCount)
	}
}

func TestCheckAndIncrement_EnforcesDailyCap(t *testing.T) {
	s := testStore(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := s.CheckAndIncrement(ctx, "user-a")
		if err != nil {
			t.Fatalf("CheckAndIncrement: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	res, err := s.CheckAndIncrement(ctx, "user-a")
	if err != nil {
		t.Fatalf("CheckAndIncrement over cap: %v", err)
	}
	if res.Allowed {
		t.Fatal("call over cap should be denied")
	}
	if res.QueriesToday != 2 {
		t.Errorf("denied call QueriesToday = %d, want 2 (no increment)", res.QueriesToday)
	}
	if res.DailyCap != 2 {
		t.Errorf("DailyCap = %d, want 2", res.DailyCap)
	}
}

func TestCheckAndIncrement_DayRollover(t *testing.T) {
	s := testStore(t, 10)
	ctx := context.Background()

	// 23:59:59 on day one.
	s.now = func() time.Time {
		return time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)
	}
	res, err := s.CheckAndIncrement(ctx, "user-a")
	if err != nil {
		t.Fatalf("CheckAndIncrement: %v", err)
	}
	if res.QueriesToday != 1 {
		t.Errorf("day one QueriesToday = %d, want 1", res.QueriesToday)
	}

	// 00:00:01 the next day: counter resets, rollover reported.
	s.now = func() time.Time {
		return time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	}
	res, err = s.CheckAndIncrement(ctx, "user-a")
	if err != nil {
		t.Fatalf("CheckAndIncrement: %v", err)
	}
	if !res.IsNewDay {
		t.Error("expected IsNewDay after midnight")
	}
	if res.QueriesToday != 1 {
		t.Errorf("post-rollover QueriesToday = %d, want 1", res.QueriesToday)
	}
}

func TestCheckAndIncrement_MonthRollover(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	s.now = func() time.Time { return time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC) }
	for i := 0; i < 3; i++ {
		if _, err := s.CheckAndIncrement(ctx, "user-a"); err != nil {
			t.Fatalf("CheckAndIncrement: %v", err)
		}
	}

	s.now = func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := s.CheckAndIncrement(ctx, "user-a"); err != nil {
		t.Fatalf("CheckAndIncrement: %v", err)
	}

	usage, err := s.GetUsage(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.MonthlyMessageCount != 1 {
		t.Errorf("MonthlyMessageCount = %d, want 1 after month rollover", usage.MonthlyMessageCount)
	}
}

func TestCheckAndIncrement_UnlimitedBypassesCap(t *testing.T) {
	s := testStore(t, 1)
	ctx := context.Background()

	if err := s.SetEntitlements(ctx, "vip", true, true); err != nil {
		t.Fatalf("SetEntitlements: %v", err)
	}

	for i := 1; i <= 3; i++ {
		res, err := s.CheckAndIncrement(ctx, "vip")
		if err != nil {
			t.Fatalf("CheckAndIncrement: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("unlimited call %d denied", i)
		}
		if !res.IsUnlimited || !res.IsBeta {
			t.Error("flags not reported")
		}
		// Still counted for observability.
		if res.QueriesToday != i {
			t.Errorf("QueriesToday = %d, want %d", res.QueriesToday, i)
		}
	}
}

func TestCheckAndIncrement_Concurrent(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CheckAndIncrement(ctx, "user-a"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent CheckAndIncrement: %v", err)
	}

	usage, err := s.GetUsage(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.QueriesToday != workers {
		t.Errorf("QueriesToday = %d, want %d (lost updates)", usage.QueriesToday, workers)
	}
}

func TestCheckBalance(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-a", 100); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	if err := s.CheckBalance(ctx, "user-a", 50); err != nil {
		t.Errorf("CheckBalance within balance: %v", err)
	}
	err := s.CheckBalance(ctx, "user-a", 150)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("CheckBalance over balance = %v, want ErrInsufficientBalance", err)
	}

	// Unknown user has zero balance.
	err = s.CheckBalance(ctx, "stranger", 1)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("CheckBalance unknown user = %v, want ErrInsufficientBalance", err)
	}

	// Unlimited accounts skip the reserve check entirely.
	if err := s.SetEntitlements(ctx, "vip", true, false); err != nil {
		t.Fatalf("SetEntitlements: %v", err)
	}
	if err := s.CheckBalance(ctx, "vip", 10_000); err != nil {
		t.Errorf("CheckBalance unlimited: %v", err)
	}
}

func TestDebitCost(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-a", 100); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	if err := s.DebitCost(ctx, "user-a", 5); err != nil {
		t.Fatalf("DebitCost: %v", err)
	}

	usage, err := s.GetUsage(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.BalanceCents != 95 {
		t.Errorf("BalanceCents = %d, want 95", usage.BalanceCents)
	}

	// Debit past zero is refused and leaves the balance untouched.
	err = s.DebitCost(ctx, "user-a", 200)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdebit = %v, want ErrInsufficientBalance", err)
	}
	usage, _ = s.GetUsage(ctx, "user-a")
	if usage.BalanceCents != 95 {
		t.Errorf("BalanceCents after refused debit = %d, want 95", usage.BalanceCents)
	}
}

func TestDebitCost_UnlimitedNeverDebited(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	if err := s.SetEntitlements(ctx, "vip", true, false); err != nil {
		t.Fatalf("SetEntitlements: %v", err)
	}

	// Zero balance, unlimited: debit succeeds as a no-op.
	if err := s.DebitCost(ctx, "vip", 500); err != nil {
		t.Fatalf("DebitCost unlimited: %v", err)
	}
	usage, err := s.GetUsage(ctx, "vip")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.BalanceCents != 0 {
		t.Errorf("BalanceCents = %d, want 0 (never debited)", usage.BalanceCents)
	}
}

func TestDebitCost_ZeroIsNoop(t *testing.T) {
	s := testStore(t, 0)
	if err := s.DebitCost(context.Background(), "anyone", 0); err != nil {
		t.Errorf("DebitCost(0): %v", err)
	}
}

func TestGetUsage_StaleDayReadsZero(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	s.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	if _, err := s.CheckAndIncrement(ctx, "user-a"); err != nil {
		t.Fatalf("CheckAndIncrement: %v", err)
	}

	s.now = func() time.Time { return time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC) }
	usage, err := s.GetUsage(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.QueriesToday != 0 {
		t.Errorf("QueriesToday = %d, want 0 for a stale day", usage.QueriesToday)
	}
}

func TestGetUsage_UnknownUser(t *testing.T) {
	s := testStore(t, 0)
	usage, err := s.GetUsage(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.BalanceCents != 0 || usage.QueriesToday != 0 {
		t.Errorf("unknown user usage = %+v, want zero values", usage)
	}
}

func TestFirstContactRowUsesStoreClock(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if _, err := s.readAccount(ctx, tx, "user-new"); err != nil {
		t.Fatalf("readAccount: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var updatedAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM credit_accounts WHERE user_id = ?`, "user-new",
	).Scan(&updatedAt)
	if err != nil {
		t.Fatalf("read account row: %v", err)
	}
	if want := fixed.Format(time.RFC3339); updatedAt != want {
		t.Errorf("updated_at = %q, want %q (store clock)", updatedAt, want)
	}
}
