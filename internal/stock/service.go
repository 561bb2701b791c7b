package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fcg/games/internal/db"
	"github.com/fcg/games/internal/metrics"
	"github.com/fcg/games/internal/notify"
	"github.com/fcg/games/internal/repo"
	"go.uber.org/zap"
)

// MaxQuantity bounds a single add or sub operation.
const MaxQuantity = 10000

// UnknownGameName is reported for stock rows whose game cannot be resolved.
const UnknownGameName = "Jogo não encontrado"

var (
	ErrGameNotFound         = errors.New("game not found")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrStockNotFound        = errors.New("stock not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrStockConflict        = errors.New("stock conflict")
	ErrSaleAlreadyProcessed = errors.New("sale already processed")
)

// ChangeHook runs after a stock mutation of gameID has been committed.
type ChangeHook func(ctx context.Context, gameID int64)

// Option configures a Service
type Option func(*Service)

// WithMetrics records adjustments on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithChangeHook registers h to run after every committed mutation
func WithChangeHook(h ChangeHook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, h) }
}

// Service applies bounded add/sub operations to the stock ledger
type Service struct {
	store   *repo.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	hooks   []ChangeHook
}

// NewService creates a stock service
func NewService(store *repo.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{store: store, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DebitOption tunes a SubStock call
type DebitOption func(*debit)

type debit struct {
	sale *db.ProcessedSale
}

// WithSale records transactionID as processed in the same transaction as the
// debit. A transaction id that was already recorded rejects the debit.
func WithSale(transactionID, sourceService string) DebitOption {
	return func(d *debit) {
		d.sale = &db.ProcessedSale{TransactionID: transactionID, SourceService: sourceService}
	}
}

// AddStock increments the stock of a game, creating its stock row on first use.
func (s *Service) AddStock(ctx context.Context, gameID int64, quantity int) (*View, error) {
	if err := checkQuantity(ctx, quantity); err != nil {
		s.metrics.StockAdjusted("add", notify.CodeInvalidQuantity)
		return nil, err
	}

	var view *View
	var err error
	// A concurrent first addition can win the unique row; the retry increments it.
	for attempt := 0; attempt < 2; attempt++ {
		view, err = s.addStock(ctx, gameID, quantity)
		if !errors.Is(err, repo.ErrStockAlreadyExists) {
			break
		}
	}
	if err != nil {
		s.metrics.StockAdjusted("add", resultLabel(err))
		return nil, err
	}

	s.metrics.StockAdjusted("add", "ok")
	s.changed(ctx, gameID)
	s.log.Info("Stock added",
		zap.Int64("game_id", gameID),
		zap.Int("quantity", quantity),
		zap.Int("stock", view.Quantity),
	)
	return view, nil
}

func (s *Service) addStock(ctx context.Context, gameID int64, quantity int) (*View, error) {
	var view *View
	err := s.store.Transaction(ctx, func(tx *repo.Store) error {
		game, err := s.requireGame(ctx, tx, gameID)
		if err != nil {
			return err
		}

		current, err := tx.Stocks().GetByGameIDForUpdate(ctx, gameID)
		switch {
		case errors.Is(err, repo.ErrStockNotFound):
			current = &db.Stock{GameID: gameID, Quantity: quantity}
			if err := tx.Stocks().Create(ctx, current); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Stocks().Increment(ctx, gameID, quantity); err != nil {
				return err
			}
			current.Quantity += quantity
			current.UpdatedAt = time.Now().UTC()
		}

		view = newView(current, game.Name)
		return nil
	})
	return view, err
}

// SubStock decrements the stock of a game. The game and its stock row must
// exist and hold at least quantity units.
func (s *Service) SubStock(ctx context.Context, gameID int64, quantity int, opts ...DebitOption) (*View, error) {
	if err := checkQuantity(ctx, quantity); err != nil {
		s.metrics.StockAdjusted("sub", notify.CodeInvalidQuantity)
		return nil, err
	}

	var d debit
	for _, opt := range opts {
		opt(&d)
	}

	var view *View
	err := s.store.Transaction(ctx, func(tx *repo.Store) error {
		game, err := s.requireGame(ctx, tx, gameID)
		if err != nil {
			return err
		}

		if d.sale != nil {
			applied, err := tx.Sales().Exists(ctx, d.sale.TransactionID)
			if err != nil {
				return err
			}
			if applied {
				return alreadyProcessed(ctx, d.sale.TransactionID)
			}
		}

		current, err := tx.Stocks().GetByGameIDForUpdate(ctx, gameID)
		if errors.Is(err, repo.ErrStockNotFound) {
			return notify.Reject(ctx, ErrStockNotFound, notify.CodeStockNotFound,
				fmt.Sprintf("Não existe registro de estoque para o jogo ID %d", gameID))
		}
		if err != nil {
			return err
		}

		if current.Quantity < quantity {
			return notify.Reject(ctx, ErrInsufficientStock, notify.CodeInsufficientStock,
				fmt.Sprintf("Estoque insuficiente. Disponível: %d, Solicitado: %d.", current.Quantity, quantity))
		}

		if err := tx.Stocks().Decrement(ctx, gameID, quantity); err != nil {
			if errors.Is(err, repo.ErrStockConflict) {
				return notify.Reject(ctx, ErrStockConflict, notify.CodeStockConflict,
					fmt.Sprintf("O estoque do jogo ID %d foi alterado por outra operação.", gameID))
			}
			return err
		}

		if d.sale != nil {
			d.sale.GameID = gameID
			d.sale.Quantity = quantity
			d.sale.ProcessedAt = time.Now().UTC()
			if err := tx.Sales().Record(ctx, d.sale); err != nil {
				if errors.Is(err, repo.ErrSaleAlreadyRecorded) {
					return alreadyProcessed(ctx, d.sale.TransactionID)
				}
				return err
			}
		}

		current.Quantity -= quantity
		current.UpdatedAt = time.Now().UTC()
		view = newView(current, game.Name)
		return nil
	})
	if err != nil {
		s.metrics.StockAdjusted("sub", resultLabel(err))
		return nil, err
	}

	s.metrics.StockAdjusted("sub", "ok")
	s.changed(ctx, gameID)
	s.log.Info("Stock subtracted",
		zap.Int64("game_id", gameID),
		zap.Int("quantity", quantity),
		zap.Int("stock", view.Quantity),
	)
	return view, nil
}

// GetStockByGameID returns the stock of an existing game. A game without a
// stock row is reported with zero quantity.
func (s *Service) GetStockByGameID(ctx context.Context, gameID int64) (*View, error) {
	game, err := s.requireGame(ctx, s.store, gameID)
	if err != nil {
		return nil, err
	}

	current, err := s.store.Stocks().GetByGameID(ctx, gameID)
	if errors.Is(err, repo.ErrStockNotFound) {
		return &View{GameID: gameID, GameName: game.Name}, nil
	}
	if err != nil {
		return nil, err
	}
	return newView(current, game.Name), nil
}

// GetAllStocks lists every stock row with its game name.
func (s *Service) GetAllStocks(ctx context.Context) ([]View, error) {
	rows, err := s.store.Stocks().ListWithGames(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(rows))
	for _, row := range rows {
		name := UnknownGameName
		if row.GameName.Valid {
			name = row.GameName.String
		}
		views = append(views, View{
			ID:        row.ID,
			GameID:    row.GameID,
			GameName:  name,
			Quantity:  row.Quantity,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			Recorded:  true,
		})
	}
	return views, nil
}

// CheckAvailability reports whether required units of a game are in stock.
func (s *Service) CheckAvailability(ctx context.Context, gameID int64, required int) (*Availability, error) {
	if err := checkQuantity(ctx, required); err != nil {
		return nil, err
	}

	view, err := s.GetStockByGameID(ctx, gameID)
	if err != nil {
		return nil, err
	}

	a := &Availability{
		GameID:            gameID,
		GameName:          view.GameName,
		AvailableQuantity: view.Quantity,
		RequiredQuantity:  required,
		IsAvailable:       view.Quantity >= required,
	}
	if a.IsAvailable {
		a.Message = "Estoque disponível"
	} else {
		a.Message = "Estoque insuficiente"
	}
	return a, nil
}

func (s *Service) requireGame(ctx context.Context, store *repo.Store, gameID int64) (*db.Game, error) {
	if gameID <= 0 {
		return nil, notify.Reject(ctx, ErrGameNotFound, notify.CodeGameNotFound, "O ID do jogo deve ser maior que zero.")
	}
	game, err := store.Games().GetByID(ctx, gameID)
	if errors.Is(err, repo.ErrGameNotFound) {
		return nil, notify.Reject(ctx, ErrGameNotFound, notify.CodeGameNotFound, "Jogo não encontrado.")
	}
	return game, err
}

func (s *Service) changed(ctx context.Context, gameID int64) {
	for _, h := range s.hooks {
		h(ctx, gameID)
	}
}

func checkQuantity(ctx context.Context, quantity int) error {
	if quantity <= 0 {
		return notify.Reject(ctx, ErrInvalidQuantity, notify.CodeInvalidQuantity, "A quantidade deve ser maior que zero.")
	}
	if quantity > MaxQuantity {
		return notify.Reject(ctx, ErrInvalidQuantity, notify.CodeInvalidQuantity, "A quantidade não pode ser maior que 10.000 unidades.")
	}
	return nil
}

func alreadyProcessed(ctx context.Context, transactionID string) error {
	return notify.Reject(ctx, ErrSaleAlreadyProcessed, notify.CodeSaleAlreadyProcessed,
		fmt.Sprintf("A transação %s já foi processada.", transactionID))
}

func resultLabel(err error) string {
	var r *notify.Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	return "error"
}
