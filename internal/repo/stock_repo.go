package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fcg/games/internal/db"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockRepository handles the per-game stock ledger
type StockRepository struct {
	db     *gorm.DB
	report *sqlx.DB
	log    *zap.Logger
}

// StockRow is a stock entry joined with the name of its game. GameName is
// invalid when the game row cannot be resolved.
type StockRow struct {
	ID        int64          `db:"id"`
	GameID    int64          `db:"game_id"`
	GameName  sql.NullString `db:"game_name"`
	Quantity  int            `db:"quantity"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// GetByGameID retrieves the stock row of a game together with the game
func (r *StockRepository) GetByGameID(ctx context.Context, gameID int64) (*db.Stock, error) {
	var stock db.Stock
	err := r.db.WithContext(ctx).Preload("Game").Where("game_id = ?", gameID).First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStockNotFound
		}
		r.log.Error("Failed to get stock", zap.Int64("game_id", gameID), zap.Error(err))
		return nil, err
	}
	return &stock, nil
}

// GetByGameIDForUpdate reads the stock row of a game and locks it until the
// surrounding transaction ends. SQLite ignores the lock clause; its single
// writer connection already serializes transactions.
func (r *StockRepository) GetByGameIDForUpdate(ctx context.Context, gameID int64) (*db.Stock, error) {
	var stock db.Stock
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("game_id = ?", gameID).
		First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStockNotFound
		}
		r.log.Error("Failed to lock stock", zap.Int64("game_id", gameID), zap.Error(err))
		return nil, err
	}
	return &stock, nil
}

// Create inserts the first stock row of a game
func (r *StockRepository) Create(ctx context.Context, stock *db.Stock) error {
	if err := r.db.WithContext(ctx).Create(stock).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrStockAlreadyExists
		}
		r.log.Error("Failed to create stock", zap.Int64("game_id", stock.GameID), zap.Error(err))
		return err
	}
	return nil
}

// Increment adds quantity to the stock row of a game
func (r *StockRepository) Increment(ctx context.Context, gameID int64, quantity int) error {
	result := r.db.WithContext(ctx).Model(&db.Stock{}).
		Where("game_id = ?", gameID).
		UpdateColumns(map[string]interface{}{
			"quantity":   gorm.Expr("quantity + ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		r.log.Error("Failed to increment stock", zap.Int64("game_id", gameID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStockNotFound
	}
	return nil
}

// Decrement subtracts quantity from the stock row of a game only while enough
// stock remains. ErrStockConflict means another writer got there first.
func (r *StockRepository) Decrement(ctx context.Context, gameID int64, quantity int) error {
	result := r.db.WithContext(ctx).Model(&db.Stock{}).
		Where("game_id = ? AND quantity >= ?", gameID, quantity).
		UpdateColumns(map[string]interface{}{
			"quantity":   gorm.Expr("quantity - ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		r.log.Error("Failed to decrement stock", zap.Int64("game_id", gameID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("decrement game %d by %d: %w", gameID, quantity, ErrStockConflict)
	}
	return nil
}

const listStocksQuery = `
	SELECT s.id, s.game_id, g.name AS game_name, s.quantity, s.created_at, s.updated_at
	FROM stocks s
	LEFT JOIN games g ON g.id = s.game_id
	ORDER BY s.game_id`

// ListWithGames returns every stock row with its game name. It reads outside
// any unit of work.
func (r *StockRepository) ListWithGames(ctx context.Context) ([]StockRow, error) {
	var rows []StockRow
	if err := r.report.SelectContext(ctx, &rows, listStocksQuery); err != nil {
		r.log.Error("Failed to list stocks", zap.Error(err))
		return nil, err
	}
	return rows, nil
}
