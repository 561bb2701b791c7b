package repo

import (
	"context"
	"errors"
	"time"

	"github.com/fcg/games/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GameRepository handles game persistence
type GameRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

// GetByID retrieves a game by id
func (r *GameRepository) GetByID(ctx context.Context, id int64) (*db.Game, error) {
	var game db.Game
	err := r.db.WithContext(ctx).First(&game, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGameNotFound
		}
		r.log.Error("Failed to get game", zap.Int64("game_id", id), zap.Error(err))
		return nil, err
	}
	return &game, nil
}

// List returns every game ordered by id
func (r *GameRepository) List(ctx context.Context) ([]db.Game, error) {
	var games []db.Game
	if err := r.db.WithContext(ctx).Order("id").Find(&games).Error; err != nil {
		r.log.Error("Failed to list games", zap.Error(err))
		return nil, err
	}
	return games, nil
}

// Create inserts a new game
func (r *GameRepository) Create(ctx context.Context, game *db.Game) error {
	if err := r.db.WithContext(ctx).Create(game).Error; err != nil {
		r.log.Error("Failed to create game", zap.String("name", game.Name), zap.Error(err))
		return err
	}
	r.log.Info("Game created", zap.Int64("game_id", game.ID), zap.String("name", game.Name))
	return nil
}

// Update overwrites the descriptive fields of an existing game
func (r *GameRepository) Update(ctx context.Context, game *db.Game) error {
	game.DateUpdate = time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&db.Game{}).Where("id = ?", game.ID).Updates(map[string]interface{}{
		"name":         game.Name,
		"description":  game.Description,
		"date_release": game.DateRelease,
		"date_update":  game.DateUpdate,
	})
	if result.Error != nil {
		r.log.Error("Failed to update game", zap.Int64("game_id", game.ID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGameNotFound
	}

	r.log.Info("Game updated", zap.Int64("game_id", game.ID))
	return nil
}

// Delete removes a game; its stock row goes with it
func (r *GameRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Game{}, id)
	if result.Error != nil {
		r.log.Error("Failed to delete game", zap.Int64("game_id", id), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGameNotFound
	}

	r.log.Info("Game deleted", zap.Int64("game_id", id))
	return nil
}
