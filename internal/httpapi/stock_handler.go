package httpapi

import (
	"github.com/fcg/games/internal/stock"
	"github.com/gofiber/fiber/v2"
)

type stockRequest struct {
	GameID   int64 `json:"gameId"`
	Quantity int   `json:"quantity"`
}

func (s *Server) addStock(c *fiber.Ctx) error {
	var req stockRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, invalidBodyMessage)
	}
	view, err := s.deps.Stock.AddStock(c.UserContext(), req.GameID, req.Quantity)
	if err != nil {
		return s.fail(c, err, stock.ErrGameNotFound)
	}
	return s.ok(c, fiber.StatusOK, view)
}

func (s *Server) subStock(c *fiber.Ctx) error {
	var req stockRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, invalidBodyMessage)
	}
	view, err := s.deps.Stock.SubStock(c.UserContext(), req.GameID, req.Quantity)
	if err != nil {
		return s.fail(c, err, stock.ErrGameNotFound, stock.ErrStockNotFound)
	}
	return s.ok(c, fiber.StatusOK, view)
}

func (s *Server) stockByGame(c *fiber.Ctx) error {
	gameID, err := c.ParamsInt("gameId")
	if err != nil {
		return badRequest(c, invalidGameIDMessage)
	}
	view, err := s.deps.Stocks.GetStockByGameID(c.UserContext(), int64(gameID))
	if err != nil {
		return s.fail(c, err, stock.ErrGameNotFound)
	}
	return s.ok(c, fiber.StatusOK, view)
}

func (s *Server) allStocks(c *fiber.Ctx) error {
	views, err := s.deps.Stock.GetAllStocks(c.UserContext())
	if err != nil {
		return s.fail(c, err)
	}
	return s.ok(c, fiber.StatusOK, views)
}

func (s *Server) availability(c *fiber.Ctx) error {
	gameID, err := c.ParamsInt("gameId")
	if err != nil {
		return badRequest(c, invalidGameIDMessage)
	}
	required := c.QueryInt("requiredQuantity", 1)

	a, err := s.deps.Stock.CheckAvailability(c.UserContext(), int64(gameID), required)
	if err != nil {
		return s.fail(c, err, stock.ErrGameNotFound)
	}
	return s.ok(c, fiber.StatusOK, a)
}
