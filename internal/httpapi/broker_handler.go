package httpapi

import (
	"fmt"
	"time"

	"github.com/fcg/games/internal/events"
	"github.com/fcg/games/internal/intake"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	brokerNotConfiguredMessage = "Broker de mensagens não configurado."
	defaultPeekCount           = 10
	maxPeekCount               = 100
)

type brokerStatus struct {
	IsConfigured       bool          `json:"isConfigured"`
	Broker             string        `json:"broker"`
	QueueName          string        `json:"queueName"`
	ConnectionMasked   string        `json:"connectionStringMasked"`
	IsHealthy          bool          `json:"isHealthy"`
	MaxConcurrentCalls int           `json:"maxConcurrentCalls"`
	MessageTimeout     int           `json:"messageTimeoutSeconds"`
	Processor          *intake.Stats `json:"processor,omitempty"`
	LastCheck          time.Time     `json:"lastCheck"`
}

func (s *Server) brokerStatus(c *fiber.Ctx) error {
	cfg := s.deps.Config
	resp := brokerStatus{
		Broker:             cfg.Broker,
		QueueName:          cfg.SalesQueueName,
		ConnectionMasked:   cfg.MaskedBrokerURL(),
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		MessageTimeout:     int(cfg.MessageTimeout / time.Second),
		LastCheck:          time.Now().UTC(),
	}
	if b := s.deps.Broker; b != nil {
		resp.IsConfigured = true
		resp.Broker = b.Name()
		resp.QueueName = b.Queue()
		resp.IsHealthy = b.IsHealthy(c.UserContext())
	}
	if p := s.deps.Processor; p != nil {
		stats := p.Stats()
		resp.Processor = &stats
	}
	return s.ok(c, fiber.StatusOK, resp)
}

type brokerHealth struct {
	Status    string    `json:"status"`
	Broker    string    `json:"broker"`
	QueueName string    `json:"queueName"`
	Running   bool      `json:"processorRunning"`
	CheckTime time.Time `json:"checkTime"`
}

func (s *Server) brokerHealth(c *fiber.Ctx) error {
	b := s.deps.Broker
	if b == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(failure(brokerNotConfiguredMessage))
	}

	resp := brokerHealth{
		Status:    "Healthy",
		Broker:    b.Name(),
		QueueName: b.Queue(),
		CheckTime: time.Now().UTC(),
	}
	if p := s.deps.Processor; p != nil {
		resp.Running = p.Running()
	}
	if !b.IsHealthy(c.UserContext()) {
		resp.Status = "Unhealthy"
		return c.Status(fiber.StatusServiceUnavailable).JSON(Response{
			Data:   resp,
			Errors: []string{"O broker de mensagens não está acessível."},
		})
	}
	return s.ok(c, fiber.StatusOK, resp)
}

func (s *Server) brokerTestConnection(c *fiber.Ctx) error {
	b := s.deps.Broker
	if b == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(failure(brokerNotConfiguredMessage))
	}
	if !b.IsHealthy(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(failure("Falha ao conectar ao broker de mensagens."))
	}
	return s.ok(c, fiber.StatusOK, fiber.Map{
		"broker":    b.Name(),
		"queueName": b.Queue(),
		"message":   "Conexão com o broker estabelecida com sucesso.",
	})
}

type deadLetterPage struct {
	QueueName    string              `json:"queueName"`
	Count        int                 `json:"deadLetterMessagesCount"`
	MaxRequested int                 `json:"maxRequested"`
	Messages     []events.DeadLetter `json:"messages"`
	CheckTime    time.Time           `json:"checkTime"`
}

func (s *Server) deadLetters(c *fiber.Ctx) error {
	b := s.deps.Broker
	if b == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(failure(brokerNotConfiguredMessage))
	}

	max := c.QueryInt("maxMessages", defaultPeekCount)
	if max < 1 {
		max = 1
	}
	if max > maxPeekCount {
		max = maxPeekCount
	}

	msgs, err := b.PeekDeadLetters(c.UserContext(), max)
	if err != nil {
		return s.fail(c, err)
	}
	if msgs == nil {
		msgs = []events.DeadLetter{}
	}
	return s.ok(c, fiber.StatusOK, deadLetterPage{
		QueueName:    b.Queue(),
		Count:        len(msgs),
		MaxRequested: max,
		Messages:     msgs,
		CheckTime:    time.Now().UTC(),
	})
}

// brokerTestSend publishes a plain-text message to the sales queue. It is not
// a sale, so the intake loop dead-letters it; that exercises the whole path.
func (s *Server) brokerTestSend(c *fiber.Ctx) error {
	b := s.deps.Broker
	if b == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(failure(brokerNotConfiguredMessage))
	}

	now := time.Now().UTC()
	msg := events.Message{
		ID:          uuid.New().String(),
		ContentType: "text/plain",
		Body:        []byte(fmt.Sprintf("Test message from broker monitor at %s", now.Format(time.RFC3339))),
	}
	queue := s.deps.Config.SalesQueueName
	if err := b.Send(c.UserContext(), queue, msg); err != nil {
		return s.fail(c, err)
	}

	s.log.Info("Test message sent", zap.String("message_id", msg.ID), zap.String("queue", queue))
	return s.ok(c, fiber.StatusOK, fiber.Map{
		"messageId": msg.ID,
		"queueName": queue,
		"sentAt":    now,
	})
}
