package db

import (
	"time"

	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(&Game{}, &Stock{}, &ProcessedSale{}); err != nil {
		return err
	}

	return createIndexes(db.DB)
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Partial index backing out-of-stock reports
		`CREATE INDEX IF NOT EXISTS idx_stocks_empty ON stocks(game_id) WHERE quantity = 0`,

		`CREATE INDEX IF NOT EXISTS idx_processed_sales_processed_at ON processed_sales(processed_at)`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}

type seedGame struct {
	name, description string
	release           time.Time
	quantity          int
}

var seedGames = []seedGame{
	{"The Legend of Zelda: Breath of the Wild", "Open-world action adventure", time.Date(2017, 3, 3, 0, 0, 0, 0, time.UTC), 25},
	{"Hollow Knight", "Hand-drawn metroidvania", time.Date(2017, 2, 24, 0, 0, 0, 0, time.UTC), 40},
	{"Celeste", "Precision platformer about climbing a mountain", time.Date(2018, 1, 25, 0, 0, 0, 0, time.UTC), 15},
	{"Stardew Valley", "Farming and life simulation", time.Date(2016, 2, 26, 0, 0, 0, 0, time.UTC), 60},
	{"Hades", "Roguelike dungeon crawler", time.Date(2020, 9, 17, 0, 0, 0, 0, time.UTC), 0},
}

// Seed inserts demo games and stock when the games table is empty.
func Seed(db *DB) error {
	var count int64
	if err := db.Model(&Game{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		for _, sg := range seedGames {
			game := &Game{Name: sg.name, Description: sg.description, DateRelease: sg.release}
			if err := tx.Create(game).Error; err != nil {
				return err
			}
			if sg.quantity == 0 {
				continue
			}
			if err := tx.Create(&Stock{GameID: game.ID, Quantity: sg.quantity}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
