package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fcg/games/internal/metrics"
	"github.com/fcg/games/internal/notify"
	"github.com/fcg/games/internal/stock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/fcg/games/internal/sales"

// StockService is the part of the stock service the engine drives.
type StockService interface {
	GetStockByGameID(ctx context.Context, gameID int64) (*stock.View, error)
	SubStock(ctx context.Context, gameID int64, quantity int, opts ...stock.DebitOption) (*stock.View, error)
}

// SaleLedger answers whether a transaction id was already applied.
type SaleLedger interface {
	Exists(ctx context.Context, transactionID string) (bool, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics records outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDeduplication skips transaction ids found in ledger and records each
// applied transaction id atomically with its debit.
func WithDeduplication(ledger SaleLedger) Option {
	return func(e *Engine) { e.ledger = ledger }
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine reconciles sale messages against the stock ledger
type Engine struct {
	stock   StockService
	ledger  SaleLedger
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewEngine creates a reconciliation engine
func NewEngine(stockService StockService, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		stock:  stockService,
		log:    log,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deduplicates reports whether transaction ids are checked before debiting.
func (e *Engine) Deduplicates() bool {
	return e.ledger != nil
}

// ProcessSale validates msg, checks availability and debits the stock. It
// never returns an error: every failure is reported through the outcome.
func (e *Engine) ProcessSale(ctx context.Context, msg Message) (out Outcome) {
	ctx, span := e.tracer.Start(ctx, "sales.ProcessSale", trace.WithAttributes(
		attribute.String("sale.transaction_id", msg.TransactionID),
		attribute.Int64("sale.game_id", msg.GameID),
		attribute.Int("sale.quantity", msg.Quantity),
	))
	defer span.End()

	ctx, notes := notify.NewContext(ctx)
	log := e.log.With(
		zap.String("transaction_id", msg.TransactionID),
		zap.Int64("game_id", msg.GameID),
		zap.Int("quantity", msg.Quantity),
	)

	out = Outcome{
		TransactionID:     msg.TransactionID,
		GameID:            msg.GameID,
		ProcessedQuantity: msg.Quantity,
		Errors:            []string{},
	}

	defer func() {
		if r := recover(); r != nil {
			out = internalError(out, fmt.Errorf("panic: %v", r))
		}
		out.ProcessedAt = time.Now().UTC()
		e.finish(span, log, out)
	}()

	log.Info("Processing sale")

	if errs := Validate(msg); len(errs) > 0 {
		out.Status = StatusValidationFailed
		out.Message = "Dados da venda inválidos"
		out.Errors = errs
		return out
	}

	if e.ledger != nil {
		applied, err := e.ledger.Exists(ctx, msg.TransactionID)
		if err != nil {
			return internalError(out, err)
		}
		if applied {
			return e.alreadyProcessed(ctx, out)
		}
	}

	current, err := e.stock.GetStockByGameID(ctx, msg.GameID)
	if err != nil && !errors.Is(err, stock.ErrGameNotFound) {
		return internalError(out, err)
	}
	if err != nil || !current.Recorded {
		if current != nil {
			out.GameName = current.GameName
		}
		out.Status = StatusGameOrStockNotFound
		out.Message = "Jogo não encontrado ou sem registro de estoque"
		out.Errors = append(out.Errors, fmt.Sprintf("Não existe registro de estoque para o jogo ID %d", msg.GameID))
		return out
	}
	out.GameName = current.GameName

	if current.Quantity < msg.Quantity {
		out.Status = StatusInsufficientStock
		out.RemainingStock = current.Quantity
		out.Message = "Estoque insuficiente para completar a venda"
		out.Errors = append(out.Errors, fmt.Sprintf("Estoque disponível: %d, Quantidade solicitada: %d", current.Quantity, msg.Quantity))
		return out
	}

	var opts []stock.DebitOption
	if e.ledger != nil {
		opts = append(opts, stock.WithSale(msg.TransactionID, msg.SourceService))
	}

	debited, err := e.stock.SubStock(ctx, msg.GameID, msg.Quantity, opts...)
	if err != nil {
		if errors.Is(err, stock.ErrSaleAlreadyProcessed) {
			return e.alreadyProcessed(ctx, out)
		}
		if !notes.HasNotifications() {
			return internalError(out, err)
		}
		out.Status = StatusDebitFailed
		out.RemainingStock = current.Quantity
		out.Message = "Erro ao processar débito no estoque"
		out.Errors = append(out.Errors, "Falha na operação de subtração do estoque")
		out.Errors = append(out.Errors, notes.Messages()...)
		return out
	}

	out.Status = StatusSuccess
	out.IsSuccess = true
	out.RemainingStock = debited.Quantity
	out.Message = fmt.Sprintf("Venda processada com sucesso. %d unidade(s) debitada(s) do estoque", msg.Quantity)
	return out
}

func (e *Engine) alreadyProcessed(ctx context.Context, out Outcome) Outcome {
	out.Status = StatusAlreadyProcessed
	out.IsSuccess = true
	out.Message = "Venda já processada anteriormente; nenhum débito adicional realizado"
	if current, err := e.stock.GetStockByGameID(ctx, out.GameID); err == nil {
		out.GameName = current.GameName
		out.RemainingStock = current.Quantity
	}
	return out
}

func internalError(out Outcome, err error) Outcome {
	out.Status = StatusInternalError
	out.IsSuccess = false
	out.Message = "Erro interno ao processar a venda"
	out.Errors = append(out.Errors, fmt.Sprintf("Erro: %v", err))
	return out
}

func (e *Engine) finish(span trace.Span, log *zap.Logger, out Outcome) {
	class := out.Class()
	e.metrics.SaleOutcome(string(out.Status), string(class))

	span.SetAttributes(
		attribute.String("sale.status", string(out.Status)),
		attribute.String("sale.class", string(class)),
		attribute.Int("sale.remaining_stock", out.RemainingStock),
	)

	fields := []zap.Field{
		zap.String("status", string(out.Status)),
		zap.String("class", string(class)),
		zap.Int("remaining_stock", out.RemainingStock),
		zap.Strings("errors", out.Errors),
	}

	switch class {
	case ClassNone:
		span.SetStatus(codes.Ok, out.Message)
		log.Info(out.Message, fields...)
	case ClassTransient:
		span.SetStatus(codes.Error, out.Message)
		log.Error(out.Message, fields...)
	default:
		span.SetStatus(codes.Error, out.Message)
		log.Warn(out.Message, fields...)
	}
}
