package repo

import (
	"context"

	"github.com/fcg/games/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SaleRepository keeps the ledger of applied sale transactions
type SaleRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

// Exists reports whether the transaction id was already applied
func (r *SaleRepository) Exists(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.ProcessedSale{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error
	if err != nil {
		r.log.Error("Failed to look up processed sale", zap.String("transaction_id", transactionID), zap.Error(err))
		return false, err
	}
	return count > 0, nil
}

// Record stores an applied sale
func (r *SaleRepository) Record(ctx context.Context, sale *db.ProcessedSale) error {
	if err := r.db.WithContext(ctx).Create(sale).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrSaleAlreadyRecorded
		}
		r.log.Error("Failed to record sale", zap.String("transaction_id", sale.TransactionID), zap.Error(err))
		return err
	}
	return nil
}
