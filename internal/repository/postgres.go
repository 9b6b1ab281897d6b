// Package repository содержит реализацию доступа к данным кошельков, реестра и транзакций.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/paywallet/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientBalance возвращается, если условное списание не прошло из-за недостатка средств.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateReference возвращается при повторном использовании reference транзакции.
	ErrDuplicateReference = errors.New("duplicate transaction reference")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrStatusConflict возвращается, если условный переход не применён: текущее состояние отличается от ожидаемого.
	ErrStatusConflict = errors.New("transaction status conflict")
)

const walletColumns = `id, owner_id, kind, balance, currency, created_at, updated_at`

const ledgerColumns = `id, wallet_id, owner_id, source, destination, old_balance, new_balance,
	type, reason, amount, currency_code, transaction_reference, created_at`

const transactionColumns = `id, owner_id, wallet_kind, counterparty, reference, provider_reference,
	amount, type, provider, remark, meta, status, effect_applied, poll_attempts, reversal,
	created_at, updated_at, resolved_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет идемпотентные операции при временных ошибках.
// Изменения баланса через него не проходят: повтор инкремента не идемпотентен.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var (
		w    model.Wallet
		kind string
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &kind, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Kind = model.WalletKind(kind)
	return &w, nil
}

// GetOrCreateWallet возвращает кошелёк владельца, создавая его с нулевым балансом при первом обращении.
func (r *PostgresRepository) GetOrCreateWallet(ctx context.Context, ownerID string, kind model.WalletKind, currency string) (*model.Wallet, error) {
	var w *model.Wallet
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO wallets (owner_id, kind, currency) VALUES ($1, $2, $3)
			 ON CONFLICT (owner_id, kind) DO NOTHING`,
			ownerID, string(kind), currency,
		)
		if err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}

		w, err = scanWallet(r.pool.QueryRow(ctx,
			`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND kind = $2`,
			ownerID, string(kind),
		))
		if err != nil {
			return fmt.Errorf("select wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWallets возвращает все кошельки владельца.
func (r *PostgresRepository) ListWallets(ctx context.Context, ownerID string) ([]model.Wallet, error) {
	var res []model.Wallet
	err := r.withRetry(ctx, func(ctx context.Context) error {
		res = res[:0]
		rows, err := r.pool.Query(ctx,
			`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 ORDER BY id`,
			ownerID,
		)
		if err != nil {
			return fmt.Errorf("select wallets: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			w, err := scanWallet(rows)
			if err != nil {
				return fmt.Errorf("scan wallet: %w", err)
			}
			res = append(res, *w)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// IncrementBalance атомарно увеличивает баланс и возвращает состояние кошелька после изменения.
// Отсутствующий кошелёк создаётся тем же запросом.
func (r *PostgresRepository) IncrementBalance(ctx context.Context, ownerID string, kind model.WalletKind, currency string, amount int64) (*model.Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx,
		`INSERT INTO wallets (owner_id, kind, balance, currency) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id, kind)
		 DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING `+walletColumns,
		ownerID, string(kind), amount, currency,
	))
	if err != nil {
		return nil, fmt.Errorf("increment balance: %w", err)
	}
	return w, nil
}

// DecrementBalance атомарно уменьшает баланс, только если его достаточно.
func (r *PostgresRepository) DecrementBalance(ctx context.Context, ownerID string, kind model.WalletKind, amount int64) (*model.Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx,
		`UPDATE wallets SET balance = balance - $3, updated_at = now()
		 WHERE owner_id = $1 AND kind = $2 AND balance >= $3
		 RETURNING `+walletColumns,
		ownerID, string(kind), amount,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("decrement balance: %w", err)
	}
	return w, nil
}

// AppendLedgerEntry добавляет запись в реестр. Записи реестра не изменяются и не удаляются.
func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO ledger_entries
		   (wallet_id, owner_id, source, destination, old_balance, new_balance,
		    type, reason, amount, currency_code, transaction_reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		e.WalletID, e.OwnerID, e.Source, e.Destination, e.OldBalance, e.NewBalance,
		string(e.Type), e.Reason, e.Amount, e.CurrencyCode, e.TransactionReference,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListLedgerEntries возвращает записи реестра кошелька, начиная с последних.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, walletID int64, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries
		 WHERE wallet_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		walletID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e         model.LedgerEntry
			entryType string
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &e.OwnerID, &e.Source, &e.Destination,
			&e.OldBalance, &e.NewBalance, &entryType, &e.Reason, &e.Amount,
			&e.CurrencyCode, &e.TransactionReference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = model.EntryType(entryType)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t          model.Transaction
		walletKind string
		txType     string
		status     string
		meta       []byte
		reversal   []byte
	)
	err := row.Scan(&t.ID, &t.OwnerID, &walletKind, &t.Counterparty, &t.Reference, &t.ProviderReference,
		&t.Amount, &txType, &t.Provider, &t.Remark, &meta, &status, &t.EffectApplied, &t.PollAttempts,
		&reversal, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt)
	if err != nil {
		return nil, err
	}

	t.WalletKind = model.WalletKind(walletKind)
	t.Type = model.TransactionType(txType)
	t.Status = model.TransactionStatus(status)

	t.Meta, err = model.DecodeMeta(t.Type, meta)
	if err != nil {
		return nil, fmt.Errorf("decode meta of %s: %w", t.Reference, err)
	}

	if len(reversal) > 0 {
		var rm model.ReversalMeta
		if err := json.Unmarshal(reversal, &rm); err != nil {
			return nil, fmt.Errorf("decode reversal of %s: %w", t.Reference, err)
		}
		t.Reversal = &rm
	}

	return &t, nil
}

// CreateTransaction сохраняет новую транзакцию в состоянии pending.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	meta, err := model.EncodeMeta(t.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	created, err := scanTransaction(r.pool.QueryRow(ctx,
		`INSERT INTO transactions
		   (owner_id, wallet_kind, counterparty, reference, provider_reference, amount,
		    type, provider, remark, meta, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+transactionColumns,
		t.OwnerID, string(t.WalletKind), t.Counterparty, t.Reference, t.ProviderReference, t.Amount,
		string(t.Type), t.Provider, t.Remark, meta, string(model.TransactionStatusPending),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, t.Reference)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	*t = *created
	return nil
}

// GetTransactionByID возвращает транзакцию по идентификатору.
func (r *PostgresRepository) GetTransactionByID(ctx context.Context, id int64) (*model.Transaction, error) {
	var t *model.Transaction
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		t, err = scanTransaction(r.pool.QueryRow(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionByReference возвращает транзакцию по reference.
func (r *PostgresRepository) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var t *model.Transaction
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		t, err = scanTransaction(r.pool.QueryRow(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListTransactionsByOwner возвращает транзакции владельца, начиная с последних.
func (r *PostgresRepository) ListTransactionsByOwner(ctx context.Context, ownerID string, limit int) ([]model.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		ownerID, limit,
	)
}

// ListPendingTransactions возвращает транзакции в состоянии pending, созданные раньше createdBefore.
func (r *PostgresRepository) ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.TransactionStatusPending), createdBefore, limit,
	)
}

// ListOutstandingEffects возвращает завершённые транзакции, влияние которых на кошелёк не применено:
// успешные зачисления без кредита и неудачные списания без возврата.
func (r *PostgresRepository) ListOutstandingEffects(ctx context.Context, limit int) ([]model.Transaction, error) {
	var credited, preDebited []string
	for _, t := range model.TransactionTypes {
		if t.PreDebited() {
			preDebited = append(preDebited, string(t))
		} else {
			credited = append(credited, string(t))
		}
	}

	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE (status = $1 AND NOT effect_applied AND type = ANY($2))
		    OR (status = $3 AND effect_applied AND type = ANY($4))
		 ORDER BY updated_at
		 LIMIT $5`,
		string(model.TransactionStatusSuccess), credited,
		string(model.TransactionStatusFailed), preDebited,
		limit,
	)
}

// TransitionTransaction выполняет условный переход состояния одним запросом.
// Если текущее состояние отличается от tr.From, возвращается ErrStatusConflict.
func (r *PostgresRepository) TransitionTransaction(ctx context.Context, tr model.Transition) (*model.Transaction, error) {
	var reversal []byte
	if tr.Reversal != nil {
		var err error
		reversal, err = json.Marshal(tr.Reversal)
		if err != nil {
			return nil, fmt.Errorf("encode reversal: %w", err)
		}
	}

	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`UPDATE transactions
		 SET status = $3::text,
		     provider_reference = CASE WHEN $4::text = '' THEN provider_reference ELSE $4::text END,
		     reversal = CASE WHEN $3::text = 'reversed' THEN $5::jsonb ELSE NULL END,
		     resolved_at = CASE WHEN $2::text = 'pending' THEN now() ELSE resolved_at END,
		     updated_at = now()
		 WHERE id = $1 AND status = $2::text
		 RETURNING `+transactionColumns,
		tr.ID, string(tr.From), string(tr.To), tr.ProviderReference, reversal,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition transaction: %w", err)
	}

	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, tr.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("select transaction status: %w", err)
	}
	return nil, fmt.Errorf("%w: status is %s, expected %s", ErrStatusConflict, current, tr.From)
}

// SetEffectApplied отмечает, применено ли сейчас влияние транзакции на кошелёк.
// Запрос идемпотентен и повторяется при временных ошибках.
func (r *PostgresRepository) SetEffectApplied(ctx context.Context, id int64, applied bool) error {
	var affected int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE transactions SET effect_applied = $2, updated_at = now() WHERE id = $1`,
			id, applied,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update effect flag: %w", err)
	}
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// RecordPollAttempt увеличивает счётчик опросов провайдера и возвращает новое значение.
func (r *PostgresRepository) RecordPollAttempt(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE transactions SET poll_attempts = poll_attempts + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING poll_attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTransactionNotFound
		}
		return 0, fmt.Errorf("record poll attempt: %w", err)
	}
	return attempts, nil
}
