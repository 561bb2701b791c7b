package stock

import (
	"time"

	"github.com/fcg/games/internal/db"
)

// View is the stock of one game as returned to callers.
type View struct {
	ID        int64     `json:"id"`
	GameID    int64     `json:"gameId"`
	GameName  string    `json:"gameName"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Recorded is false when the game has no stock row and the view was
	// synthesized with zero quantity.
	Recorded bool `json:"-"`
}

// Availability answers whether a quantity of a game can be sold.
type Availability struct {
	GameID            int64  `json:"gameId"`
	GameName          string `json:"gameName"`
	AvailableQuantity int    `json:"availableQuantity"`
	RequiredQuantity  int    `json:"requiredQuantity"`
	IsAvailable       bool   `json:"isAvailable"`
	Message           string `json:"message"`
}

func newView(s *db.Stock, gameName string) *View {
	return &View{
		ID:        s.ID,
		GameID:    s.GameID,
		GameName:  gameName,
		Quantity:  s.Quantity,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Recorded:  true,
	}
}
