// Package model содержит доменные сущности сервиса artgen.
package model

import "time"

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// OrderStatus описывает статус заказа на покупку кредитов.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusRefunded OrderStatus = "refunded"
	OrderStatusFailed   OrderStatus = "failed"
)

// ProductType описывает тип продукта: разовая покупка или подписка.
type ProductType string

const (
	ProductTypeOnce    ProductType = "once"
	ProductTypeMonthly ProductType = "monthly"
	ProductTypeYearly  ProductType = "yearly"
)

// Order описывает заказ на покупку пакета кредитов и его платёжный статус.
type Order struct {
	ID         int64
	UserID     int64
	CheckoutID string
	ProductID  string
	Credits    int64
	PriceCents int64
	Type       ProductType
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskStatus описывает статус задачи генерации.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal сообщает, является ли статус завершённым. Завершённые задачи неизменяемы.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// TaskKind описывает тип генерации.
type TaskKind string

const (
	TaskKindImage TaskKind = "image"
	TaskKindVideo TaskKind = "video"
)

// Task описывает задачу генерации, отправленную внешнему провайдеру.
type Task struct {
	TaskNo          string
	UserID          int64
	ProviderTaskID  *string
	Status          TaskStatus
	Kind            TaskKind
	Prompt          string
	ResultURL       string
	FailReason      string
	CreditsReserved int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Причины движения кредитов в журнале операций.
const (
	ReasonOrder      = "order"
	ReasonReserve    = "reserve"
	ReasonTaskRefund = "task_refund"
	ReasonClawback   = "clawback"
)

// CreditEntry описывает одну запись журнала движения кредитов.
// Пара (Reason, RefID) уникальна и обеспечивает идемпотентность операций.
type CreditEntry struct {
	UserID    int64
	Delta     int64
	Reason    string
	RefID     string
	CreatedAt time.Time
}

// Balance содержит текущий баланс кредитов пользователя.
type Balance struct {
	Balance int64 `json:"balance"`
}
