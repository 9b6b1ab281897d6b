package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/paywallet/internal/model"
)

type walletKey struct {
	ownerID string
	kind    model.WalletKind
}

// MemoryRepository хранит данные в памяти процесса. Используется в однопроцессном режиме и в тестах.
// Каждая операция выполняется под одним мьютексом, что даёт ту же атомарность, что и одиночный SQL-запрос.
type MemoryRepository struct {
	mu sync.Mutex

	now func() time.Time

	walletSeq int64
	wallets   map[walletKey]*model.Wallet

	ledgerSeq int64
	ledger    []model.LedgerEntry

	txSeq        int64
	transactions map[int64]*model.Transaction
	byReference  map[string]int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:          time.Now,
		wallets:      make(map[walletKey]*model.Wallet),
		transactions: make(map[int64]*model.Transaction),
		byReference:  make(map[string]int64),
	}
}

// SetClock подменяет источник времени.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) walletLocked(ownerID string, kind model.WalletKind, currency string) *model.Wallet {
	key := walletKey{ownerID: ownerID, kind: kind}
	w, ok := r.wallets[key]
	if !ok {
		r.walletSeq++
		now := r.now()
		w = &model.Wallet{
			ID:        r.walletSeq,
			OwnerID:   ownerID,
			Kind:      kind,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.wallets[key] = w
	}
	return w
}

// GetOrCreateWallet возвращает кошелёк владельца, создавая его с нулевым балансом при первом обращении.
func (r *MemoryRepository) GetOrCreateWallet(ctx context.Context, ownerID string, kind model.WalletKind, currency string) (*model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := *r.walletLocked(ownerID, kind, currency)
	return &w, nil
}

// ListWallets возвращает все кошельки владельца.
func (r *MemoryRepository) ListWallets(ctx context.Context, ownerID string) ([]model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Wallet
	for key, w := range r.wallets {
		if key.ownerID == ownerID {
			res = append(res, *w)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// IncrementBalance атомарно увеличивает баланс.
func (r *MemoryRepository) IncrementBalance(ctx context.Context, ownerID string, kind model.WalletKind, currency string, amount int64) (*model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.walletLocked(ownerID, kind, currency)
	w.Balance += amount
	w.UpdatedAt = r.now()

	res := *w
	return &res, nil
}

// DecrementBalance атомарно уменьшает баланс, только если его достаточно.
func (r *MemoryRepository) DecrementBalance(ctx context.Context, ownerID string, kind model.WalletKind, amount int64) (*model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[walletKey{ownerID: ownerID, kind: kind}]
	if !ok || w.Balance < amount {
		return nil, ErrInsufficientBalance
	}
	w.Balance -= amount
	w.UpdatedAt = r.now()

	res := *w
	return &res, nil
}

// AppendLedgerEntry добавляет запись в реестр.
func (r *MemoryRepository) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ledgerSeq++
	e.ID = r.ledgerSeq
	e.CreatedAt = r.now()
	r.ledger = append(r.ledger, *e)
	return nil
}

// ListLedgerEntries возвращает записи реестра кошелька, начиная с последних.
func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, walletID int64, limit int) ([]model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.LedgerEntry
	for i := len(r.ledger) - 1; i >= 0 && len(res) < limit; i-- {
		if r.ledger[i].WalletID == walletID {
			res = append(res, r.ledger[i])
		}
	}
	return res, nil
}

// CreateTransaction сохраняет новую транзакцию в состоянии pending.
func (r *MemoryRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byReference[t.Reference]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, t.Reference)
	}

	r.txSeq++
	now := r.now()
	t.ID = r.txSeq
	t.Status = model.TransactionStatusPending
	t.EffectApplied = false
	t.PollAttempts = 0
	t.Reversal = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	t.ResolvedAt = nil

	stored := *t
	r.transactions[t.ID] = &stored
	r.byReference[t.Reference] = t.ID
	return nil
}

func (r *MemoryRepository) copyTransaction(t *model.Transaction) *model.Transaction {
	res := *t
	if t.Reversal != nil {
		rm := *t.Reversal
		res.Reversal = &rm
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		res.ResolvedAt = &at
	}
	return &res
}

// GetTransactionByID возвращает транзакцию по идентификатору.
func (r *MemoryRepository) GetTransactionByID(ctx context.Context, id int64) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return r.copyTransaction(t), nil
}

// GetTransactionByReference возвращает транзакцию по reference.
func (r *MemoryRepository) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byReference[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return r.copyTransaction(r.transactions[id]), nil
}

// ListTransactionsByOwner возвращает транзакции владельца, начиная с последних.
func (r *MemoryRepository) ListTransactionsByOwner(ctx context.Context, ownerID string, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for id := r.txSeq; id > 0 && len(res) < limit; id-- {
		if t, ok := r.transactions[id]; ok && t.OwnerID == ownerID {
			res = append(res, *r.copyTransaction(t))
		}
	}
	return res, nil
}

// ListPendingTransactions возвращает транзакции в состоянии pending, созданные раньше createdBefore.
func (r *MemoryRepository) ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for id := int64(1); id <= r.txSeq && len(res) < limit; id++ {
		t, ok := r.transactions[id]
		if !ok || t.Status != model.TransactionStatusPending || !t.CreatedAt.Before(createdBefore) {
			continue
		}
		res = append(res, *r.copyTransaction(t))
	}
	return res, nil
}

// ListOutstandingEffects возвращает завершённые транзакции, влияние которых на кошелёк не применено.
func (r *MemoryRepository) ListOutstandingEffects(ctx context.Context, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for id := int64(1); id <= r.txSeq && len(res) < limit; id++ {
		if t, ok := r.transactions[id]; ok && t.EffectOutstanding() {
			res = append(res, *r.copyTransaction(t))
		}
	}
	return res, nil
}

// TransitionTransaction выполняет условный переход состояния.
func (r *MemoryRepository) TransitionTransaction(ctx context.Context, tr model.Transition) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[tr.ID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if t.Status != tr.From {
		return nil, fmt.Errorf("%w: status is %s, expected %s", ErrStatusConflict, t.Status, tr.From)
	}

	now := r.now()
	t.Status = tr.To
	if tr.ProviderReference != "" {
		t.ProviderReference = tr.ProviderReference
	}
	t.Reversal = nil
	if tr.To == model.TransactionStatusReversed && tr.Reversal != nil {
		rm := *tr.Reversal
		t.Reversal = &rm
	}
	if tr.From == model.TransactionStatusPending {
		t.ResolvedAt = &now
	}
	t.UpdatedAt = now

	return r.copyTransaction(t), nil
}

// SetEffectApplied отмечает, применено ли влияние транзакции на кошелёк.
func (r *MemoryRepository) SetEffectApplied(ctx context.Context, id int64, applied bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	t.EffectApplied = applied
	t.UpdatedAt = r.now()
	return nil
}

// RecordPollAttempt увеличивает счётчик опросов провайдера.
func (r *MemoryRepository) RecordPollAttempt(ctx context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[id]
	if !ok {
		return 0, ErrTransactionNotFound
	}
	t.PollAttempts++
	t.UpdatedAt = r.now()
	return t.PollAttempts, nil
}
