package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/opc/internal/domain"
	"github.com/vladislavdragonenkov/opc/internal/storage/memory"
	"github.com/vladislavdragonenkov/opc/internal/storage/postgres"
)

// Dependencies содержит хранилища приложения.
type Dependencies struct {
	Orders   domain.OrderStore
	Payments domain.PaymentStore
	Outbox   domain.OutboxRepository
	Logger   *log.Entry

	pgStore *postgres.Store
}

// NewDependencies создаёт хранилища согласно выбранному storage driver.
// Для postgres при включённом auto-migrate применяются все up-миграции.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		logger.Info("используется in-memory хранилище")
		return &Dependencies{
			Orders:   memory.NewOrderStore(),
			Payments: memory.NewPaymentStore(),
			Outbox:   memory.NewOutboxRepository(),
			Logger:   logger,
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage driver requires OPC_POSTGRES_DSN")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}

		logger.Info("используется postgres хранилище")
		return &Dependencies{
			Orders:   postgres.NewOrderStore(store),
			Payments: postgres.NewPaymentStore(store),
			Outbox:   postgres.NewOutboxRepository(store),
			Logger:   logger,
			pgStore:  store,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}
}

// PostgresStore возвращает postgres store или nil для in-memory драйвера.
func (d *Dependencies) PostgresStore() *postgres.Store {
	return d.pgStore
}

// Close освобождает ресурсы хранилищ.
func (d *Dependencies) Close() error {
	if d == nil || d.pgStore == nil {
		return nil
	}
	return d.pgStore.Close()
}
