// Package httpapi is the administrative HTTP surface: manual sale
// processing, stock and game management, broker monitoring and health.
package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/fcg/games/internal/config"
	"github.com/fcg/games/internal/db"
	"github.com/fcg/games/internal/events"
	"github.com/fcg/games/internal/games"
	"github.com/fcg/games/internal/intake"
	"github.com/fcg/games/internal/notify"
	"github.com/fcg/games/internal/sales"
	"github.com/fcg/games/internal/stock"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger checks the database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SaleEngine reconciles sales.
type SaleEngine interface {
	ProcessSale(ctx context.Context, msg sales.Message) sales.Outcome
	Deduplicates() bool
}

// StockService mutates and lists the stock ledger.
type StockService interface {
	AddStock(ctx context.Context, gameID int64, quantity int) (*stock.View, error)
	SubStock(ctx context.Context, gameID int64, quantity int, opts ...stock.DebitOption) (*stock.View, error)
	GetAllStocks(ctx context.Context) ([]stock.View, error)
	CheckAvailability(ctx context.Context, gameID int64, required int) (*stock.Availability, error)
}

// StockReader reads the stock of one game, possibly from a cache.
type StockReader interface {
	GetStockByGameID(ctx context.Context, gameID int64) (*stock.View, error)
}

// GameService manages the game catalog.
type GameService interface {
	List(ctx context.Context) ([]db.Game, error)
	Get(ctx context.Context, id int64) (*db.Game, error)
	Create(ctx context.Context, in games.Input) (*db.Game, error)
	Update(ctx context.Context, id int64, in games.Input) (*db.Game, error)
	Delete(ctx context.Context, id int64) error
}

// ProcessorStatus exposes the state of the message intake loop.
type ProcessorStatus interface {
	Running() bool
	Stats() intake.Stats
}

// Deps are the collaborators of the HTTP server. Processor, Broker and
// Gatherer are optional.
type Deps struct {
	Config    *config.Config
	Log       *zap.Logger
	DB        Pinger
	Engine    SaleEngine
	Stock     StockService
	Stocks    StockReader
	Games     GameService
	Processor ProcessorStatus
	Broker    events.Broker
	Gatherer  prometheus.Gatherer
}

// Server is the fiber application with every route registered.
type Server struct {
	app  *fiber.App
	deps Deps
	log  *zap.Logger
}

// New builds the HTTP server.
func New(deps Deps) *Server {
	s := &Server{deps: deps, log: deps.Log}

	s.app = fiber.New(fiber.Config{
		AppName:               deps.Config.ServiceName,
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          deps.Config.MessageTimeout,
		IdleTimeout:           120 * time.Second,
		ErrorHandler:          s.handleError,
	})
	// Global body size guard
	s.app.Server().MaxRequestBodySize = 1 << 20

	s.app.Use(requestid.New())
	s.app.Use(recover.New())
	s.app.Use(s.accessLog)
	s.app.Use(notificationScope)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.healthz)
	s.app.Get("/readyz", s.readyz)
	if s.deps.Gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.app.Group("/api")

	// Endpoints that publish to the broker are throttled per client.
	publishLimit := limiter.New(limiter.Config{Max: 30, Expiration: time.Minute})

	sale := api.Group("/sale-processing")
	sale.Post("/process-sale", s.processSale)
	sale.Get("/status", s.processingStatus)
	sale.Post("/simulate-sale/:gameId", publishLimit, s.simulateSale)

	st := api.Group("/stock")
	st.Post("/add", s.addStock)
	st.Post("/sub", s.subStock)
	st.Get("/game/:gameId", s.stockByGame)
	st.Get("/all", s.allStocks)
	st.Get("/availability/:gameId", s.availability)

	g := api.Group("/games")
	g.Get("/", s.listGames)
	g.Post("/", s.createGame)
	g.Get("/:id", s.getGame)
	g.Put("/:id", s.updateGame)
	g.Delete("/:id", s.deleteGame)

	b := api.Group("/broker")
	b.Get("/status", s.brokerStatus)
	b.Get("/health", s.brokerHealth)
	b.Get("/test-connection", s.brokerTestConnection)
	b.Get("/dead-letter-messages", s.deadLetters)
	b.Post("/test-send", publishLimit, s.brokerTestSend)
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("Starting HTTP server", zap.String("address", addr))
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// notificationScope gives every request its own notification collector.
func notificationScope(c *fiber.Ctx) error {
	ctx, _ := notify.NewContext(c.UserContext())
	c.SetUserContext(ctx)
	return c.Next()
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
	}
	if err != nil {
		s.log.Error("HTTP request failed", append(fields, zap.Error(err))...)
	} else {
		s.log.Debug("HTTP request completed", fields...)
	}
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(failure(fe.Message))
	}
	s.log.Error("Unhandled HTTP error", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(failure(internalErrorMessage))
}
