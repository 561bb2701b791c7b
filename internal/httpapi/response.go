package httpapi

import (
	"errors"

	"github.com/fcg/games/internal/notify"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	internalErrorMessage = "Ocorreu um erro interno ao processar a requisição."
	invalidBodyMessage   = "Corpo da requisição inválido."
)

// Response is the envelope of every /api response.
type Response struct {
	Data    interface{} `json:"data"`
	Errors  []string    `json:"errors"`
	Success bool        `json:"success"`
}

func success(data interface{}) Response {
	return Response{Data: data, Errors: []string{}, Success: true}
}

func failure(messages ...string) Response {
	return Response{Errors: messages}
}

func (s *Server) ok(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(success(data))
}

// fail maps err to a response. Notifications in the request scope produce a
// 400 (or notFoundStatus when err is one of the given not-found sentinels);
// anything else is a 500 with a generic message.
func (s *Server) fail(c *fiber.Ctx, err error, notFound ...error) error {
	notes := notify.FromContext(c.UserContext())
	if notes != nil && notes.HasNotifications() {
		status := fiber.StatusBadRequest
		for _, sentinel := range notFound {
			if errors.Is(err, sentinel) {
				status = fiber.StatusNotFound
				break
			}
		}
		return c.Status(status).JSON(failure(notes.Messages()...))
	}

	s.log.Error("Request failed",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		zap.Error(err),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(failure(internalErrorMessage))
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(failure(message))
}
