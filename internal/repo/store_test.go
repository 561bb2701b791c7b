package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fcg/games/internal/db"
	"github.com/fcg/games/internal/db/dbtest"
	"github.com/fcg/games/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *db.DB) {
	database := dbtest.New(t)
	store, err := NewStore(database, logger.NewLogger("test", "error"))
	require.NoError(t, err)
	return store, database
}

func createGame(t *testing.T, store *Store, name string) *db.Game {
	game := &db.Game{Name: name, Description: name + " description", DateRelease: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Games().Create(context.Background(), game))
	return game
}

func TestGameCRUD(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	game := createGame(t, store, "Celeste")
	assert.NotZero(t, game.ID)
	assert.False(t, game.DateUpdate.IsZero())

	got, err := store.Games().GetByID(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, "Celeste", got.Name)

	got.Name = "Celeste Deluxe"
	require.NoError(t, store.Games().Update(ctx, got))

	updated, err := store.Games().GetByID(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, "Celeste Deluxe", updated.Name)

	games, err := store.Games().List(ctx)
	require.NoError(t, err)
	assert.Len(t, games, 1)

	require.NoError(t, store.Games().Delete(ctx, game.ID))
	_, err = store.Games().GetByID(ctx, game.ID)
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestGameMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Games().GetByID(ctx, 42)
	assert.ErrorIs(t, err, ErrGameNotFound)

	assert.ErrorIs(t, store.Games().Update(ctx, &db.Game{ID: 42, Name: "x"}), ErrGameNotFound)
	assert.ErrorIs(t, store.Games().Delete(ctx, 42), ErrGameNotFound)
}

func TestStockCreateIsUniquePerGame(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	game := createGame(t, store, "Hades")

	require.NoError(t, store.Stocks().Create(ctx, &db.Stock{GameID: game.ID, Quantity: 5}))
	err := store.Stocks().Create(ctx, &db.Stock{GameID: game.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrStockAlreadyExists)
}

func TestStockIncrementAndDecrement(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	game := createGame(t, store, "Hollow Knight")

	assert.ErrorIs(t, store.Stocks().Increment(ctx, game.ID, 1), ErrStockNotFound)

	require.NoError(t, store.Stocks().Create(ctx, &db.Stock{GameID: game.ID, Quantity: 5}))
	require.NoError(t, store.Stocks().Increment(ctx, game.ID, 2))
	require.NoError(t, store.Stocks().Decrement(ctx, game.ID, 7))

	stock, err := store.Stocks().GetByGameID(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stock.Quantity)
	require.NotNil(t, stock.Game)
	assert.Equal(t, "Hollow Knight", stock.Game.Name)

	err = store.Stocks().Decrement(ctx, game.ID, 1)
	assert.ErrorIs(t, err, ErrStockConflict)
}

func TestStockMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Stocks().GetByGameID(ctx, 9)
	assert.ErrorIs(t, err, ErrStockNotFound)

	_, err = store.Stocks().GetByGameIDForUpdate(ctx, 9)
	assert.ErrorIs(t, err, ErrStockNotFound)
}

func TestListWithGamesReportsOrphans(t *testing.T) {
	store, database := setupTestStore(t)
	ctx := context.Background()

	game := createGame(t, store, "Stardew Valley")
	require.NoError(t, store.Stocks().Create(ctx, &db.Stock{GameID: game.ID, Quantity: 3}))

	require.NoError(t, database.Exec("PRAGMA foreign_keys = OFF").Error)
	require.NoError(t, database.Create(&db.Stock{GameID: 999, Quantity: 1}).Error)

	rows, err := store.Stocks().ListWithGames(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, game.ID, rows[0].GameID)
	assert.True(t, rows[0].GameName.Valid)
	assert.Equal(t, "Stardew Valley", rows[0].GameName.String)
	assert.Equal(t, 3, rows[0].Quantity)

	assert.Equal(t, int64(999), rows[1].GameID)
	assert.False(t, rows[1].GameName.Valid)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	game := createGame(t, store, "Celeste")
	require.NoError(t, store.Stocks().Create(ctx, &db.Stock{GameID: game.ID, Quantity: 4}))

	boom := errors.New("boom")
	err := store.Transaction(ctx, func(tx *Store) error {
		if err := tx.Stocks().Decrement(ctx, game.ID, 3); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stock, err := store.Stocks().GetByGameID(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stock.Quantity)
}

func TestSaleLedger(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	game := createGame(t, store, "Celeste")

	exists, err := store.Sales().Exists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, exists)

	sale := &db.ProcessedSale{TransactionID: "t1", GameID: game.ID, Quantity: 1, ProcessedAt: time.Now()}
	require.NoError(t, store.Sales().Record(ctx, sale))

	exists, err = store.Sales().Exists(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, exists)

	err = store.Sales().Record(ctx, &db.ProcessedSale{TransactionID: "t1", GameID: game.ID, Quantity: 1, ProcessedAt: time.Now()})
	assert.ErrorIs(t, err, ErrSaleAlreadyRecorded)
}
