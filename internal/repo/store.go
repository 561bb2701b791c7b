package repo

import (
	"context"
	"errors"

	"github.com/fcg/games/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrGameNotFound is returned when a game does not exist
	ErrGameNotFound = errors.New("game not found")

	// ErrStockNotFound is returned when a game has no stock row
	ErrStockNotFound = errors.New("stock not found")

	// ErrStockAlreadyExists is returned when a second stock row is created for a game
	ErrStockAlreadyExists = errors.New("stock already exists")

	// ErrStockConflict is returned when a conditional stock update matched no row
	ErrStockConflict = errors.New("stock changed concurrently")

	// ErrSaleAlreadyRecorded is returned when a transaction id was already processed
	ErrSaleAlreadyRecorded = errors.New("sale already recorded")
)

// Store gives access to the game and stock ledger. A Store obtained inside
// Transaction is bound to that unit of work.
type Store struct {
	db     *gorm.DB
	report *sqlx.DB
	log    *zap.Logger
}

// NewStore creates a store over the given database
func NewStore(database *db.DB, logger *zap.Logger) (*Store, error) {
	sqlDB, err := database.DB.DB()
	if err != nil {
		return nil, err
	}

	driverName := "sqlite3"
	if database.Dialect() == "postgres" {
		driverName = "postgres"
	}

	return &Store{
		db:     database.DB,
		report: sqlx.NewDb(sqlDB, driverName),
		log:    logger,
	}, nil
}

// Games returns the game repository
func (s *Store) Games() *GameRepository {
	return &GameRepository{db: s.db, log: s.log}
}

// Stocks returns the stock repository
func (s *Store) Stocks() *StockRepository {
	return &StockRepository{db: s.db, report: s.report, log: s.log}
}

// Sales returns the processed sale repository
func (s *Store) Sales() *SaleRepository {
	return &SaleRepository{db: s.db, log: s.log}
}

// Transaction runs fn as a single unit of work. Returning nil commits every
// change made through tx; returning an error rolls all of them back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, report: s.report, log: s.log})
	})
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
