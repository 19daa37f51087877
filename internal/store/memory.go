package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
)

type walletKey struct {
	tenantID string
	userID   string
}

// Memory is an in-process Store for single-node runs and tests. Row locks
// are per-key mutexes held from Lock* until the transaction ends; writes are
// staged in the transaction and applied on commit.
type Memory struct {
	mu        sync.Mutex
	tenants   map[string]domain.Tenant
	wallets   map[walletKey]domain.Wallet
	employees map[string][]domain.Employee
	payouts   map[uuid.UUID]domain.Payout
	order     []uuid.UUID
	runs      []domain.PayrollRun
	audits    []domain.AuditEntry

	locksMu  sync.Mutex
	rowLocks map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		tenants:   make(map[string]domain.Tenant),
		wallets:   make(map[walletKey]domain.Wallet),
		employees: make(map[string][]domain.Employee),
		payouts:   make(map[uuid.UUID]domain.Payout),
		rowLocks:  make(map[string]*sync.Mutex),
	}
}

// AddEmployee registers a beneficiary; the memory backend has no HR surface.
func (m *Memory) AddEmployee(e domain.Employee) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.employees[e.TenantID], e)
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	m.employees[e.TenantID] = list
}

// AuditEntries returns a copy of everything written to the audit log.
func (m *Memory) AuditEntries() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.audits...)
}

func (m *Memory) rowLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.rowLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[key] = l
	}
	return l
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if _, err := tenant.Require(ctx); err != nil {
		return err
	}

	tx := &memTx{
		store:        m,
		held:         make(map[string]*sync.Mutex),
		wallets:      make(map[walletKey]domain.Wallet),
		payoutStatus: make(map[uuid.UUID]domain.PayoutStatus),
	}
	defer tx.unlockAll()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	store        *Memory
	held         map[string]*sync.Mutex
	wallets      map[walletKey]domain.Wallet
	inserted     map[walletKey]bool
	payouts      []domain.Payout
	payoutStatus map[uuid.UUID]domain.PayoutStatus
}

func (t *memTx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	l := t.store.rowLock(key)
	l.Lock()
	t.held[key] = l
}

func (t *memTx) unlockAll() {
	for k, l := range t.held {
		l.Unlock()
		delete(t.held, k)
	}
}

func (t *memTx) commit() error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range t.inserted {
		if _, exists := m.wallets[k]; exists {
			return fmt.Errorf("%w: wallets_tenant_user_key", ErrUniqueViolation)
		}
	}
	for _, p := range t.payouts {
		if m.payoutNotesTaken(p.TenantID, p.Notes) {
			return fmt.Errorf("%w: payouts_tenant_notes_key", ErrUniqueViolation)
		}
	}

	for k, w := range t.wallets {
		m.wallets[k] = w
	}
	for _, p := range t.payouts {
		m.payouts[p.ID] = p
		m.order = append(m.order, p.ID)
	}
	now := time.Now().UTC()
	for id, status := range t.payoutStatus {
		p := m.payouts[id]
		p.Status = status
		p.UpdatedAt = now
		m.payouts[id] = p
	}
	return nil
}

// payoutNotesTaken must be called with mu held.
func (m *Memory) payoutNotesTaken(tenantID, notes string) bool {
	for _, p := range m.payouts {
		if p.TenantID == tenantID && p.Notes == notes {
			return true
		}
	}
	return false
}

func (t *memTx) LockWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	key := walletKey{tenantID, userID}
	t.lock("wallet:" + tenantID + ":" + userID)

	if w, ok := t.wallets[key]; ok {
		return &w, nil
	}
	t.store.mu.Lock()
	w, ok := t.store.wallets[key]
	t.store.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (t *memTx) InsertWallet(ctx context.Context, w *domain.Wallet) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	w.TenantID = tenantID
	key := walletKey{tenantID, w.UserID}

	t.store.mu.Lock()
	_, exists := t.store.wallets[key]
	t.store.mu.Unlock()
	if _, staged := t.wallets[key]; exists || staged {
		return fmt.Errorf("%w: wallets_tenant_user_key", ErrUniqueViolation)
	}

	if t.inserted == nil {
		t.inserted = make(map[walletKey]bool)
	}
	t.inserted[key] = true
	t.wallets[key] = *w
	return nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w *domain.Wallet) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	key := walletKey{tenantID, w.UserID}
	if _, staged := t.wallets[key]; !staged {
		t.store.mu.Lock()
		_, exists := t.store.wallets[key]
		t.store.mu.Unlock()
		if !exists {
			return ErrNotFound
		}
	}
	t.wallets[key] = *w
	return nil
}

func (t *memTx) FindPayoutByNotes(ctx context.Context, notes string) (*domain.Payout, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range t.payouts {
		if p.TenantID == tenantID && p.Notes == notes {
			return &p, nil
		}
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, p := range t.store.payouts {
		if p.TenantID == tenantID && p.Notes == notes {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertPayout(ctx context.Context, p *domain.Payout) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	p.TenantID = tenantID
	if _, err := t.FindPayoutByNotes(ctx, p.Notes); err == nil {
		return fmt.Errorf("%w: payouts_tenant_notes_key", ErrUniqueViolation)
	}
	t.payouts = append(t.payouts, *p)
	return nil
}

func (t *memTx) LockPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	t.lock("payout:" + id.String())

	t.store.mu.Lock()
	p, ok := t.store.payouts[id]
	t.store.mu.Unlock()
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if status, ok := t.payoutStatus[id]; ok {
		p.Status = status
	}
	return &p, nil
}

func (t *memTx) UpdatePayoutStatus(ctx context.Context, id uuid.UUID, status domain.PayoutStatus) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	t.store.mu.Lock()
	p, ok := t.store.payouts[id]
	t.store.mu.Unlock()
	if !ok || p.TenantID != tenantID {
		return ErrNotFound
	}
	t.payoutStatus[id] = status
	return nil
}

func (m *Memory) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletKey{tenantID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) ListTenants(_ context.Context) ([]domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) CreateTenant(_ context.Context, t *domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[t.ID]; exists {
		return fmt.Errorf("%w: tenants_pkey", ErrUniqueViolation)
	}
	m.tenants[t.ID] = *t
	return nil
}

func (m *Memory) CountEmployees(ctx context.Context) (int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.employees[tenantID]), nil
}

func (m *Memory) ListEmployees(ctx context.Context, offset, limit int) ([]domain.Employee, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.employees[tenantID]
	if offset >= len(list) {
		return nil, nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	return append([]domain.Employee(nil), list[offset:end]...), nil
}

func (m *Memory) ListPayouts(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.Payout, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Payout
	for _, id := range m.order {
		p := m.payouts[id]
		if p.TenantID != tenantID || (status != "" && p.Status != status) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) InsertPayrollRun(ctx context.Context, run *domain.PayrollRun) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	run.TenantID = tenantID
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *Memory) ListPayrollRuns(ctx context.Context, limit int) ([]domain.PayrollRun, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PayrollRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.runs[i].TenantID == tenantID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *Memory) InsertAuditEntry(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

// MemoryLocker is the single-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]bool)}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false, nil
	}
	l.held[id] = true
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	return nil
}
