// Package payment описывает события платёжного провайдера.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Типы событий, которые сервис умеет обрабатывать.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventRefundCreated     = "refund.created"
)

// ErrUnknownEvent возвращается для события неизвестного типа.
// Такие события логируются и игнорируются, обработка не прерывается.
var ErrUnknownEvent = errors.New("unknown event type")

// ErrMalformedEvent возвращается, если обязательные поля события отсутствуют.
var ErrMalformedEvent = errors.New("malformed event")

// Event представляет одно разобранное событие платёжного провайдера.
type Event interface {
	// Kind возвращает строковый тип события.
	Kind() string
}

// CheckoutCompleted сообщает об успешной оплате чекаута.
type CheckoutCompleted struct {
	CheckoutID string
}

// Kind возвращает тип события.
func (CheckoutCompleted) Kind() string { return EventCheckoutCompleted }

// RefundCreated сообщает о возврате средств по оплаченному чекауту.
type RefundCreated struct {
	CheckoutID string
}

// Kind возвращает тип события.
func (RefundCreated) Kind() string { return EventRefundCreated }

type rawEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		CheckoutID string `json:"checkout_id"`
	} `json:"data"`
}

// Parse разбирает тело вебхука в одно из известных событий.
func Parse(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch raw.EventType {
	case EventCheckoutCompleted:
		if raw.Data.CheckoutID == "" {
			return nil, fmt.Errorf("%w: missing checkout_id", ErrMalformedEvent)
		}
		return CheckoutCompleted{CheckoutID: raw.Data.CheckoutID}, nil
	case EventRefundCreated:
		if raw.Data.CheckoutID == "" {
			return nil, fmt.Errorf("%w: missing checkout_id", ErrMalformedEvent)
		}
		return RefundCreated{CheckoutID: raw.Data.CheckoutID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.EventType)
	}
}
