package httpapi

import (
	"github.com/fcg/games/internal/games"
	"github.com/gofiber/fiber/v2"
)

const invalidGameIDMessage = "O identificador do jogo é inválido."

func (s *Server) listGames(c *fiber.Ctx) error {
	list, err := s.deps.Games.List(c.UserContext())
	if err != nil {
		return s.fail(c, err)
	}
	return s.ok(c, fiber.StatusOK, list)
}

func (s *Server) getGame(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, invalidGameIDMessage)
	}
	game, err := s.deps.Games.Get(c.UserContext(), int64(id))
	if err != nil {
		return s.fail(c, err, games.ErrGameNotFound)
	}
	return s.ok(c, fiber.StatusOK, game)
}

func (s *Server) createGame(c *fiber.Ctx) error {
	var in games.Input
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, invalidBodyMessage)
	}
	game, err := s.deps.Games.Create(c.UserContext(), in)
	if err != nil {
		return s.fail(c, err)
	}
	return s.ok(c, fiber.StatusCreated, game)
}

func (s *Server) updateGame(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, invalidGameIDMessage)
	}
	var in games.Input
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, invalidBodyMessage)
	}
	game, err := s.deps.Games.Update(c.UserContext(), int64(id), in)
	if err != nil {
		return s.fail(c, err, games.ErrGameNotFound)
	}
	return s.ok(c, fiber.StatusOK, game)
}

func (s *Server) deleteGame(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, invalidGameIDMessage)
	}
	if err := s.deps.Games.Delete(c.UserContext(), int64(id)); err != nil {
		return s.fail(c, err, games.ErrGameNotFound)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
