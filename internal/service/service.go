// Package service реализует бизнес-логику кошельков, транзакций и их сверки с провайдерами.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/events"
	"github.com/mmeshcher/paywallet/internal/lock"
	"github.com/mmeshcher/paywallet/internal/metrics"
	"github.com/mmeshcher/paywallet/internal/model"
	"github.com/mmeshcher/paywallet/internal/provider"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Записи реестра можно только добавлять.
type Repository interface {
	Close() error

	GetOrCreateWallet(ctx context.Context, ownerID string, kind model.WalletKind, currency string) (*model.Wallet, error)
	ListWallets(ctx context.Context, ownerID string) ([]model.Wallet, error)
	IncrementBalance(ctx context.Context, ownerID string, kind model.WalletKind, currency string, amount int64) (*model.Wallet, error)
	DecrementBalance(ctx context.Context, ownerID string, kind model.WalletKind, amount int64) (*model.Wallet, error)

	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, walletID int64, limit int) ([]model.LedgerEntry, error)

	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransactionByID(ctx context.Context, id int64) (*model.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
	ListTransactionsByOwner(ctx context.Context, ownerID string, limit int) ([]model.Transaction, error)
	ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error)
	ListOutstandingEffects(ctx context.Context, limit int) ([]model.Transaction, error)
	TransitionTransaction(ctx context.Context, tr model.Transition) (*model.Transaction, error)
	SetEffectApplied(ctx context.Context, id int64, applied bool) error
	RecordPollAttempt(ctx context.Context, id int64) (int, error)
}

// StatusQuerier запрашивает у провайдера итог транзакции.
type StatusQuerier interface {
	Name() string
	QueryStatus(ctx context.Context, reference string) (*provider.Status, error)
}

// ReconcileConfig задаёт политику фоновой сверки.
type ReconcileConfig struct {
	// Grace — минимальный возраст транзакции перед первым опросом провайдера.
	Grace time.Duration
	// MaxAge и MaxAttempts ограничивают ожидание: после них транзакция принудительно завершается неуспехом.
	MaxAge      time.Duration
	MaxAttempts int
	Batch       int
	Parallelism int
	// ProviderTimeout ограничивает один запрос к провайдеру.
	ProviderTimeout time.Duration
	LockTTL         time.Duration
}

// DefaultReconcileConfig возвращает политику сверки по умолчанию.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Grace:           10 * time.Second,
		MaxAge:          24 * time.Hour,
		MaxAttempts:     30,
		Batch:           100,
		Parallelism:     4,
		ProviderTimeout: 10 * time.Second,
		LockTTL:         30 * time.Second,
	}
}

// Service содержит бизнес-логику кошельков и транзакций.
type Service struct {
	repo      Repository
	locker    lock.Locker
	publisher events.Publisher
	providers map[string]StatusQuerier
	metrics   *metrics.Metrics
	logger    *zap.Logger

	currency  string
	reconcile ReconcileConfig
	now       func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithProvider регистрирует клиент провайдера под его именем.
func WithProvider(q StatusQuerier) Option {
	return func(s *Service) { s.providers[q.Name()] = q }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithCurrency(code string) Option {
	return func(s *Service) { s.currency = code }
}

func WithReconcileConfig(c ReconcileConfig) Option {
	return func(s *Service) { s.reconcile = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис поверх указанного репозитория.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		locker:    lock.NewMemoryLocker(),
		publisher: events.NopPublisher{},
		providers: make(map[string]StatusQuerier),
		logger:    zap.NewNop(),
		currency:  "NGN",
		reconcile: DefaultReconcileConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Locker возвращает блокировку, через которую сервис сериализует изменения.
func (s *Service) Locker() lock.Locker {
	return s.locker
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, t *model.Transaction) {
	if err := s.publisher.Publish(ctx, events.FromTransaction(eventType, t)); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("event", eventType),
			zap.String("reference", t.Reference),
			zap.Error(err),
		)
	}
}
