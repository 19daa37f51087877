package payroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/tenantledger/internal/audit"
	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fixedNow = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func tctx(id string) context.Context { return tenant.WithID(context.Background(), id) }

func seedTenant(t *testing.T, mem *store.Memory, tenantID string, employees int, salary string) {
	t.Helper()
	require.NoError(t, mem.CreateTenant(context.Background(), &domain.Tenant{ID: tenantID, Name: tenantID, Active: true}))
	for i := 1; i <= employees; i++ {
		mem.AddEmployee(domain.Employee{
			ID:          fmt.Sprintf("e%03d", i),
			TenantID:    tenantID,
			UserID:      fmt.Sprintf("u%03d", i),
			Name:        fmt.Sprintf("Employee %d", i),
			BaseSalary:  dec(salary),
			BankAccount: "DE00-" + tenantID,
		})
	}
}

type fixture struct {
	mem     *store.Memory
	wallets *service.WalletService
	locker  *store.MemoryLocker
}

func newFixture() *fixture {
	mem := store.NewMemory()
	return &fixture{mem: mem, wallets: service.NewWalletService(mem, nil), locker: store.NewMemoryLocker()}
}

func (f *fixture) orchestrator(t *testing.T, s store.Store, cfg Config) *Orchestrator {
	sink := audit.NewStoreSink(s, nil)
	return NewOrchestrator(s, f.locker, service.NewWalletService(s, nil), sink, cfg, zaptest.NewLogger(t)).WithClock(fixedNow)
}

func (f *fixture) payouts(t *testing.T, tenantID string) []domain.Payout {
	t.Helper()
	p, err := f.mem.ListPayouts(tctx(tenantID), "", 10000)
	require.NoError(t, err)
	return p
}

func (f *fixture) runs(t *testing.T, tenantID string) []domain.PayrollRun {
	t.Helper()
	r, err := f.mem.ListPayrollRuns(tctx(tenantID), 100)
	require.NoError(t, err)
	return r
}

func TestRunCycle_SettlesSalaryAndPayable(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 2, "1000")

	ctx := tctx("t1")
	_, err := f.wallets.Credit(ctx, "u001", dec("300"))
	require.NoError(t, err)
	_, err = f.wallets.MoveToPayable(ctx, "u001", dec("120.5"))
	require.NoError(t, err)

	ran, err := f.orchestrator(t, f.mem, Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	payouts := f.payouts(t, "t1")
	require.Len(t, payouts, 2)
	byUser := map[string]domain.Payout{}
	for _, p := range payouts {
		byUser[p.Metadata.UserID] = p
	}
	assert.True(t, byUser["u001"].Amount.Equal(dec("1120.5")))
	assert.True(t, byUser["u001"].CommissionAmount.Equal(dec("120.5")))
	assert.Equal(t, domain.PayoutPending, byUser["u001"].Status)
	assert.Equal(t, Reference("t1", "e001", "2026-10"), byUser["u001"].Notes)
	assert.True(t, byUser["u002"].Amount.Equal(dec("1000")))

	w, err := f.wallets.GetWallet(ctx, "u001")
	require.NoError(t, err)
	assert.True(t, w.PayableBalance.IsZero())
	assert.True(t, w.PendingBalance.Equal(dec("179.5")))

	runs := f.runs(t, "t1")
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].Succeeded)
	assert.Len(t, runs[0].TransactionIDs, 2)
	assert.True(t, runs[0].TotalPayout.Equal(dec("2120.5")))

	entries := f.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "PAYROLL_RUN", entries[0].Action)
}

func TestRunCycle_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 3, "10")

	o := f.orchestrator(t, f.mem, Config{LockID: 9})
	ok, err := f.locker.TryAcquire(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, f.payouts(t, "t1"))
	assert.Empty(t, f.runs(t, "t1"))
}

func TestRunCycle_ReleasesLock(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 1, "10")
	o := f.orchestrator(t, f.mem, Config{LockID: 9})

	ran, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	ok, err := f.locker.TryAcquire(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunCycle_RerunDoesNotDoublePay(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 4, "500")
	o := f.orchestrator(t, f.mem, Config{})

	for i := 0; i < 2; i++ {
		ran, err := o.RunCycle(context.Background())
		require.NoError(t, err)
		require.True(t, ran)
	}

	assert.Len(t, f.payouts(t, "t1"), 4)
	runs := f.runs(t, "t1")
	require.Len(t, runs, 2)
	latest := runs[0]
	assert.Equal(t, 0, latest.Succeeded)
	assert.Equal(t, 4, latest.Skipped)
	assert.Equal(t, domain.RunNothingToProcess, latest.Status)
}

func TestRunCycle_SkipsBeneficiariesWithNothingToPay(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 2, "0")

	ctx := tctx("t1")
	_, err := f.wallets.Credit(ctx, "u002", dec("50"))
	require.NoError(t, err)
	_, err = f.wallets.MoveToPayable(ctx, "u002", dec("50"))
	require.NoError(t, err)

	_, err = f.orchestrator(t, f.mem, Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	payouts := f.payouts(t, "t1")
	require.Len(t, payouts, 1)
	assert.Equal(t, "u002", payouts[0].Metadata.UserID)

	run := f.runs(t, "t1")[0]
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 1, run.Skipped)
}

// failingTxStore fails payout inserts for one beneficiary.
type failingTxStore struct {
	*store.Memory
	failUser string
}

func (s *failingTxStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx, failUser: s.failUser})
	})
}

type failingTx struct {
	store.Tx
	failUser string
}

func (t failingTx) InsertPayout(ctx context.Context, p *domain.Payout) error {
	if p.Metadata.UserID == t.failUser {
		return errors.New("simulated write failure")
	}
	return t.Tx.InsertPayout(ctx, p)
}

func TestRunCycle_BeneficiaryFailureIsIsolated(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 5, "100")

	ctx := tctx("t1")
	_, err := f.wallets.Credit(ctx, "u002", dec("40"))
	require.NoError(t, err)
	_, err = f.wallets.MoveToPayable(ctx, "u002", dec("40"))
	require.NoError(t, err)

	s := &failingTxStore{Memory: f.mem, failUser: "u002"}
	ran, err := f.orchestrator(t, s, Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	users := map[string]bool{}
	for _, p := range f.payouts(t, "t1") {
		users[p.Metadata.UserID] = true
	}
	assert.Equal(t, map[string]bool{"u001": true, "u003": true, "u004": true, "u005": true}, users)

	runs := f.runs(t, "t1")
	require.Len(t, runs, 1)
	assert.Equal(t, 4, runs[0].Succeeded)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, domain.RunPartiallyFailed, runs[0].Status)

	w, err := f.wallets.GetWallet(ctx, "u002")
	require.NoError(t, err)
	assert.True(t, w.PayableBalance.Equal(dec("40")), "failed beneficiary keeps payable")
}

// countingStore records ListEmployees paging and fails one tenant outright.
type countingStore struct {
	*store.Memory
	failTenant string

	mu    sync.Mutex
	pages []int
}

func (s *countingStore) CountEmployees(ctx context.Context) (int, error) {
	if id, _ := tenant.ID(ctx); id == s.failTenant {
		return 0, errors.New("tenant shard unavailable")
	}
	return s.Memory.CountEmployees(ctx)
}

func (s *countingStore) ListEmployees(ctx context.Context, offset, limit int) ([]domain.Employee, error) {
	s.mu.Lock()
	s.pages = append(s.pages, offset)
	s.mu.Unlock()
	return s.Memory.ListEmployees(ctx, offset, limit)
}

func TestRunCycle_ProcessesBatchesSequentially(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 250, "1")

	s := &countingStore{Memory: f.mem}
	_, err := f.orchestrator(t, s, Config{BatchSize: 100}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 100, 200}, s.pages)
	assert.Len(t, f.payouts(t, "t1"), 250)
	assert.Equal(t, 250, f.runs(t, "t1")[0].Succeeded)
}

func TestRunCycle_TenantFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture()
	for _, id := range []string{"t1", "t2", "t3"} {
		seedTenant(t, f.mem, id, 2, "10")
	}

	s := &countingStore{Memory: f.mem, failTenant: "t2"}
	ran, err := f.orchestrator(t, s, Config{TenantConcurrency: 2}).RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	assert.Len(t, f.payouts(t, "t1"), 2)
	assert.Empty(t, f.payouts(t, "t2"))
	assert.Len(t, f.payouts(t, "t3"), 2)
	assert.Empty(t, f.runs(t, "t2"))
}

type scriptedGateway struct {
	failUser string
	calls    atomic.Int32
}

func (g *scriptedGateway) Transfer(_ context.Context, p domain.Payout) error {
	g.calls.Add(1)
	if p.Metadata.UserID == g.failUser {
		return errors.New("account closed")
	}
	return nil
}

func TestRelay_SendsAndRefundsFailures(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 2, "100")

	ctx := tctx("t1")
	for _, u := range []string{"u001", "u002"} {
		_, err := f.wallets.Credit(ctx, u, dec("30"))
		require.NoError(t, err)
		_, err = f.wallets.MoveToPayable(ctx, u, dec("30"))
		require.NoError(t, err)
	}

	_, err := f.orchestrator(t, f.mem, Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	gw := &scriptedGateway{failUser: "u002"}
	relay := NewRelay(f.mem, f.locker, f.wallets, gw, nil, RelayConfig{}, zaptest.NewLogger(t))

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Sent: 1, Failed: 1}, res)

	sent, err := f.mem.ListPayouts(ctx, domain.PayoutSent, 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "u001", sent[0].Metadata.UserID)

	w1, err := f.wallets.GetWallet(ctx, "u001")
	require.NoError(t, err)
	assert.True(t, w1.PayableBalance.IsZero())

	w2, err := f.wallets.GetWallet(ctx, "u002")
	require.NoError(t, err)
	assert.True(t, w2.PayableBalance.Equal(dec("30")), "commission portion refunded")

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RelayResult{}, res)
	assert.Equal(t, int32(2), gw.calls.Load())
}

// lossyOutcomeStore fails every write of a final payout status.
type lossyOutcomeStore struct {
	*store.Memory
}

func (s *lossyOutcomeStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx store.Tx) error {
		return fn(lossyOutcomeTx{Tx: tx})
	})
}

type lossyOutcomeTx struct {
	store.Tx
}

func (t lossyOutcomeTx) UpdatePayoutStatus(ctx context.Context, id uuid.UUID, status domain.PayoutStatus) error {
	if status == domain.PayoutSent || status == domain.PayoutFailed {
		return errors.New("connection reset")
	}
	return t.Tx.UpdatePayoutStatus(ctx, id, status)
}

func TestRelay_UnrecordedOutcomeIsNotTransferredAgain(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 1, "100")
	_, err := f.orchestrator(t, f.mem, Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	gw := &scriptedGateway{}
	relay := NewRelay(&lossyOutcomeStore{Memory: f.mem}, f.locker, f.wallets, gw, nil, RelayConfig{}, zaptest.NewLogger(t))

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Errors: 1}, res)

	processing, err := f.mem.ListPayouts(tctx("t1"), domain.PayoutProcessing, 10)
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RelayResult{}, res)
	assert.Equal(t, int32(1), gw.calls.Load(), "transfer attempted at most once")
}

func TestRelay_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture()
	seedTenant(t, f.mem, "t1", 1, "100")
	_, err := f.orchestrator(t, f.mem, Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	gw := &scriptedGateway{}
	relay := NewRelay(f.mem, f.locker, f.wallets, gw, nil, RelayConfig{LockID: 77}, nil)
	ok, err := f.locker.TryAcquire(context.Background(), 77)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RelayResult{}, res)
	assert.Zero(t, gw.calls.Load())
}

func TestScheduler_RunsJobsAndStops(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(zaptest.NewLogger(t), Job{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			n.Add(1)
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	stopped := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())

	s.Stop()
}

func TestScheduler_RejectsZeroInterval(t *testing.T) {
	s := NewScheduler(nil, Job{Name: "bad", Run: func(context.Context) error { return nil }})
	assert.Error(t, s.Start(context.Background()))
}

// slowStore holds each tenant's employee count long enough for tenant
// workers to overlap and records the peak number in flight.
type slowStore struct {
	*store.Memory
	delay time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowStore) CountEmployees(ctx context.Context) (int, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return s.Memory.CountEmployees(ctx)
}

func TestRunCycle_BoundsTenantConcurrency(t *testing.T) {
	f := newFixture()
	for i := 1; i <= 12; i++ {
		seedTenant(t, f.mem, fmt.Sprintf("t%02d", i), 1, "10")
	}

	s := &slowStore{Memory: f.mem, delay: 20 * time.Millisecond}
	ran, err := f.orchestrator(t, s, Config{TenantConcurrency: 3}).RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	assert.LessOrEqual(t, s.peak.Load(), int32(3))
	assert.Greater(t, s.peak.Load(), int32(1), "tenants should run in parallel")
	for i := 1; i <= 12; i++ {
		assert.Len(t, f.payouts(t, fmt.Sprintf("t%02d", i)), 1)
	}
}
