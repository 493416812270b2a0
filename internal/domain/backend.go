package domain

// Answer statuses returned by the QA backend for /chat.
const (
	AnswerStatusOK         = "ok"
	AnswerStatusPriceQuery = "price_query"
)

// Price-response statuses returned by the QA backend for /price-response.
const (
	PriceStatusSuccess = "success"
	PriceStatusError   = "error"
)

// QuestionResult is the backend's answer to an ordinary question.
// When Status is "price_query", ForwardTo and ForwardMessage carry the
// sales-contact escalation; their absence is a backend contract violation.
type QuestionResult struct {
	Status         string `json:"status"`
	Answer         string `json:"answer,omitempty"`
	ForwardTo      string `json:"forward_to,omitempty"`
	ForwardMessage string `json:"forward_message,omitempty"`
}

// PriceResponseResult is the backend's outcome for a submitted price reply.
// CustomerPhone and Answer are only meaningful together: both present means
// the resolved answer can additionally be delivered to the customer directly.
type PriceResponseResult struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
	Answer        string `json:"answer,omitempty"`
}
