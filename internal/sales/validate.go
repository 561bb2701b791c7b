package sales

import (
	"strings"

	"github.com/fcg/games/internal/stock"
)

// Validate returns every structural problem of msg, in field order.
func Validate(msg Message) []string {
	var errs []string

	if strings.TrimSpace(msg.TransactionID) == "" {
		errs = append(errs, "ID da transação é obrigatório")
	}
	if msg.GameID <= 0 {
		errs = append(errs, "ID do jogo deve ser maior que zero")
	}
	if msg.Quantity <= 0 {
		errs = append(errs, "Quantidade deve ser maior que zero")
	}
	if msg.Quantity > stock.MaxQuantity {
		errs = append(errs, "Quantidade não pode ser maior que 10.000 unidades")
	}
	if msg.SaleDateTime.IsZero() {
		errs = append(errs, "Data da venda é obrigatória")
	}
	if strings.TrimSpace(msg.UserID) == "" {
		errs = append(errs, "ID do usuário é obrigatório")
	}
	if !msg.TotalAmount.IsPositive() {
		errs = append(errs, "Valor total da venda deve ser maior que zero")
	}

	return errs
}
