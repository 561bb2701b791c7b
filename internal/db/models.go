package db

import (
	"time"

	"gorm.io/gorm"
)

// Game is a title sold by the store.
type Game struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"type:varchar(100);not null;index:idx_games_name" json:"name"`
	Description string    `gorm:"type:varchar(500);not null" json:"description"`
	DateRelease time.Time `gorm:"not null" json:"dateRelease"`
	DateUpdate  time.Time `gorm:"not null" json:"dateUpdate"`
}

// TableName specifies the table name for Game model
func (Game) TableName() string {
	return "games"
}

// BeforeCreate hook to set the update timestamp
func (g *Game) BeforeCreate(tx *gorm.DB) error {
	if g.DateUpdate.IsZero() {
		g.DateUpdate = time.Now().UTC()
	}
	return nil
}

// BeforeUpdate hook to refresh the update timestamp
func (g *Game) BeforeUpdate(tx *gorm.DB) error {
	g.DateUpdate = time.Now().UTC()
	return nil
}

// Stock is the on-hand quantity of one game. There is at most one row per game.
type Stock struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GameID    int64     `gorm:"not null;uniqueIndex:idx_stocks_game_id" json:"gameId"`
	Game      *Game     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Quantity  int       `gorm:"not null;default:0;check:chk_stocks_quantity_non_negative,quantity >= 0" json:"quantity"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

// TableName specifies the table name for Stock model
func (Stock) TableName() string {
	return "stocks"
}

// BeforeCreate hook to set timestamps
func (s *Stock) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	return nil
}

// ProcessedSale records a sale transaction whose debit has been committed.
type ProcessedSale struct {
	TransactionID string    `gorm:"primaryKey;type:varchar(100)" json:"transactionId"`
	GameID        int64     `gorm:"not null;index:idx_processed_sales_game_id" json:"gameId"`
	Quantity      int       `gorm:"not null" json:"quantity"`
	SourceService string    `gorm:"type:varchar(100)" json:"sourceService,omitempty"`
	ProcessedAt   time.Time `gorm:"not null" json:"processedAt"`
}

// TableName specifies the table name for ProcessedSale model
func (ProcessedSale) TableName() string {
	return "processed_sales"
}
