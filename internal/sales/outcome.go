package sales

import "time"

// Status is the terminal state of one reconciliation attempt.
type Status string

const (
	StatusSuccess             Status = "Success"
	StatusAlreadyProcessed    Status = "AlreadyProcessed"
	StatusValidationFailed    Status = "ValidationFailed"
	StatusGameOrStockNotFound Status = "GameOrStockNotFound"
	StatusInsufficientStock   Status = "InsufficientStock"
	StatusDebitFailed         Status = "DebitFailed"
	StatusInternalError       Status = "InternalError"
)

// Class groups failures by whether retrying can help.
type Class string

const (
	// ClassNone marks successful outcomes.
	ClassNone Class = "none"
	// ClassValidation is malformed input; never retried.
	ClassValidation Class = "validation"
	// ClassBusinessRule is valid input that cannot be applied; never retried.
	ClassBusinessRule Class = "business_rule"
	// ClassTransient is a race or infrastructure failure; safe to retry.
	ClassTransient Class = "transient"
)

// Class returns the failure class of s.
func (s Status) Class() Class {
	switch s {
	case StatusSuccess, StatusAlreadyProcessed:
		return ClassNone
	case StatusValidationFailed:
		return ClassValidation
	case StatusGameOrStockNotFound, StatusInsufficientStock:
		return ClassBusinessRule
	default:
		return ClassTransient
	}
}

// Outcome reports the result of processing one sale message.
type Outcome struct {
	TransactionID     string    `json:"transactionId"`
	GameID            int64     `json:"gameId"`
	GameName          string    `json:"gameName"`
	ProcessedQuantity int       `json:"processedQuantity"`
	RemainingStock    int       `json:"remainingStock"`
	IsSuccess         bool      `json:"isSuccess"`
	Status            Status    `json:"status"`
	Message           string    `json:"message"`
	Errors            []string  `json:"errors"`
	ProcessedAt       time.Time `json:"processedAt"`
}

// Class returns the failure class of the outcome.
func (o Outcome) Class() Class {
	return o.Status.Class()
}
