package httpapi

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/fcg/games/internal/events"
	"github.com/fcg/games/internal/intake"
	"github.com/fcg/games/internal/sales"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const simulatedSource = "FCG.Games.Test"

var simulatedUnitPrice = decimal.RequireFromString("59.99")

// processSale runs one sale through the engine synchronously. The response
// body is the outcome itself so it matches what the intake loop publishes.
func (s *Server) processSale(c *fiber.Ctx) error {
	msg, err := sales.ParseMessage(c.Body())
	if err != nil {
		return badRequest(c, invalidBodyMessage)
	}
	if msg.TransactionID == "" {
		msg.TransactionID = uuid.New().String()
	}

	out := s.deps.Engine.ProcessSale(c.UserContext(), *msg)
	status := fiber.StatusOK
	if !out.IsSuccess {
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(out)
}

type statusResponse struct {
	IsRunning          bool          `json:"isRunning"`
	Broker             string        `json:"broker"`
	QueueName          string        `json:"queueName"`
	MaxConcurrentCalls int           `json:"maxConcurrentCalls"`
	MessageTimeout     int           `json:"messageTimeoutSeconds"`
	Deduplication      bool          `json:"deduplication"`
	Stats              *intake.Stats `json:"stats,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

func (s *Server) processingStatus(c *fiber.Ctx) error {
	cfg := s.deps.Config
	resp := statusResponse{
		Broker:             cfg.Broker,
		QueueName:          cfg.SalesQueueName,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		MessageTimeout:     int(cfg.MessageTimeout / time.Second),
		Deduplication:      s.deps.Engine.Deduplicates(),
		Timestamp:          time.Now().UTC(),
	}
	if p := s.deps.Processor; p != nil {
		stats := p.Stats()
		resp.IsRunning = p.Running()
		resp.Stats = &stats
	}
	return s.ok(c, fiber.StatusOK, resp)
}

type simulatedSale struct {
	Message   sales.Message `json:"message"`
	Published bool          `json:"published"`
	QueueName string        `json:"queueName,omitempty"`
}

// simulateSale builds a plausible sale for gameId and publishes it to the
// sales queue when a broker is configured.
func (s *Server) simulateSale(c *fiber.Ctx) error {
	gameID, err := c.ParamsInt("gameId")
	if err != nil {
		return badRequest(c, invalidGameIDMessage)
	}
	quantity := c.QueryInt("quantity", 1)

	msg := sales.Message{
		TransactionID: uuid.New().String(),
		GameID:        int64(gameID),
		Quantity:      quantity,
		SaleDateTime:  time.Now().UTC(),
		UserID:        fmt.Sprintf("test-user-%04d", rand.Intn(10000)),
		TotalAmount:   simulatedUnitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		SourceService: simulatedSource,
	}

	resp := simulatedSale{Message: msg}
	if s.deps.Broker != nil {
		out, err := events.NewJSONMessage(c.UserContext(), msg)
		if err != nil {
			return s.fail(c, err)
		}
		queue := s.deps.Config.SalesQueueName
		if err := s.deps.Broker.Send(c.UserContext(), queue, out); err != nil {
			return s.fail(c, err)
		}
		s.log.Info("Simulated sale published",
			zap.String("transaction_id", msg.TransactionID),
			zap.Int64("game_id", msg.GameID),
			zap.Int("quantity", msg.Quantity),
			zap.String("queue", queue),
		)
		resp.Published = true
		resp.QueueName = queue
	}
	return s.ok(c, fiber.StatusOK, resp)
}
