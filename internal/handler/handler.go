// Package handler содержит HTTP-обработчики API сервиса artgen.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/artgen-system/internal/catalog"
	"github.com/mmeshcher/artgen-system/internal/middleware"
	"github.com/mmeshcher/artgen-system/internal/model"
	"github.com/mmeshcher/artgen-system/internal/payment"
	"github.com/mmeshcher/artgen-system/internal/provider"
	"github.com/mmeshcher/artgen-system/internal/repository"
	"github.com/mmeshcher/artgen-system/internal/signature"
	"github.com/mmeshcher/artgen-system/internal/validation"
)

// Заголовок и query-параметр с подписью платёжного провайдера.
const (
	signatureHeader = "X-Signature"
	signatureParam  = "sign"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateOrder(ctx context.Context, userID int64, productID string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetCreditEntries(ctx context.Context, userID int64) ([]model.CreditEntry, error)
	SubmitTask(ctx context.Context, userID int64, taskNo string, kind model.TaskKind, prompt string) (*model.Task, bool, error)
	GetTaskByNo(ctx context.Context, userID int64, taskNo string) (*model.Task, error)
	SettlePayment(ctx context.Context, ev payment.Event) error
	ApplyProviderResult(ctx context.Context, result *provider.TaskResult) error
}

// Handler реализует HTTP-обработчики API сервиса artgen.
type Handler struct {
	service          Service
	logger           *zap.Logger
	authMiddleware   *middleware.AuthMiddleware
	webhookVerifier  *signature.Verifier
	callbackVerifier *signature.Verifier
	successURL       string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookVerifier, callbackVerifier *signature.Verifier, successURL string) *Handler {
	return &Handler{
		service:          s,
		logger:           logger,
		authMiddleware:   auth,
		webhookVerifier:  webhookVerifier,
		callbackVerifier: callbackVerifier,
		successURL:       successURL,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type createOrderRequest struct {
	ProductID string `json:"product_id"`
}

type orderResponse struct {
	ID         int64   `json:"id"`
	CheckoutID string  `json:"checkout_id"`
	ProductID  string  `json:"product_id"`
	Credits    int64   `json:"credits"`
	Price      float64 `json:"price"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:         o.ID,
		CheckoutID: o.CheckoutID,
		ProductID:  o.ProductID,
		Credits:    o.Credits,
		Price:      float64(o.PriceCents) / 100,
		Type:       string(o.Type),
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
	}
}

// CreateOrder создаёт заказ на покупку пакета кредитов для текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.ProductID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), userID, req.ProductID)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownProduct) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create order error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetBalance возвращает баланс кредитов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type creditEntryResponse struct {
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	RefID     string `json:"ref_id"`
	CreatedAt string `json:"created_at"`
}

// GetCredits возвращает журнал движения кредитов текущего пользователя.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetCreditEntries(r.Context(), userID)
	if err != nil {
		h.logger.Error("get credit entries error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]creditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, creditEntryResponse{
			Delta:     e.Delta,
			Reason:    e.Reason,
			RefID:     e.RefID,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type createTaskRequest struct {
	TaskNo string `json:"task_no"`
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
}

type taskResponse struct {
	TaskNo     string `json:"task_no"`
	Status     string `json:"status"`
	Kind       string `json:"kind"`
	ResultURL  string `json:"result_url,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func toTaskResponse(t *model.Task) taskResponse {
	return taskResponse{
		TaskNo:     t.TaskNo,
		Status:     string(t.Status),
		Kind:       string(t.Kind),
		ResultURL:  t.ResultURL,
		FailReason: t.FailReason,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
}

// CreateTask принимает задачу генерации от текущего пользователя.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidTaskNo(req.TaskNo) || !validation.IsValidPrompt(req.Prompt) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	task, created, err := h.service.SubmitTask(r.Context(), userID, req.TaskNo, model.TaskKind(req.Kind), req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrUnknownTaskKind):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrInsufficientCredits):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, repository.ErrTaskOwnedByAnother):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("submit task error", zap.Error(err), zap.Int64("userID", userID), zap.String("taskNo", req.TaskNo))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(toTaskResponse(task)); err != nil {
		h.logger.Error("encode task response error", zap.Error(err))
	}
}

// GetTask возвращает текущее состояние задачи по её номеру.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	taskNo := chi.URLParam(r, "taskNo")

	task, err := h.service.GetTaskByNo(r.Context(), userID, taskNo)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get task error", zap.Error(err), zap.String("taskNo", taskNo))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toTaskResponse(task)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type webhookError struct {
	Message string `json:"message"`
}

func writeWebhookError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(webhookError{Message: message})
}

// PaymentWebhook принимает подписанные события платёжного провайдера.
// Повторная доставка события безопасна: расчёты идемпотентны.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeWebhookError(w, http.StatusBadRequest, "read body failed")
		return
	}

	if err := h.webhookVerifier.VerifyBody(body, r.Header.Get(signatureHeader)); err != nil {
		h.logger.Warn("payment webhook signature mismatch", zap.ByteString("body", body))
		writeWebhookError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	ev, err := payment.Parse(body)
	if err != nil {
		if errors.Is(err, payment.ErrUnknownEvent) {
			// Неизвестные события не ломают обработку: подтверждаем и идём дальше.
			h.logger.Info("unknown payment event ignored", zap.ByteString("body", body))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{}"))
			return
		}
		h.logger.Warn("malformed payment event", zap.Error(err), zap.ByteString("body", body))
		writeWebhookError(w, http.StatusBadRequest, "malformed event")
		return
	}

	if err := h.service.SettlePayment(r.Context(), ev); err != nil {
		h.logger.Error("settle payment error", zap.Error(err), zap.ByteString("body", body))
		writeWebhookError(w, http.StatusBadRequest, "processing error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
}

// PaymentCallback обрабатывает редирект браузера после оплаты. Редирект — лишь
// подсказка: итоговый статус определяет только вебхук, поэтому здесь нет никаких
// изменений состояния, а пользователь всегда попадает на стабильную страницу.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	if err := h.callbackVerifier.VerifyParams(params, signatureParam); err != nil {
		h.logger.Warn("payment callback signature mismatch",
			zap.String("query", r.URL.RawQuery))
	} else {
		h.logger.Info("payment callback received",
			zap.String("checkoutID", params.Get("checkout_id")),
			zap.String("status", params.Get("status")))
	}

	http.Redirect(w, r, h.successURL, http.StatusTemporaryRedirect)
}

// ProviderWebhook принимает уведомления провайдера генерации о смене статуса задачи.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var result provider.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if result.TaskID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApplyProviderResult(r.Context(), &result); err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			h.logger.Warn("provider webhook for unknown task",
				zap.String("providerTaskID", result.TaskID))
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("apply provider result error",
			zap.Error(err),
			zap.String("providerTaskID", result.TaskID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	_, _ = w.Write([]byte("OK"))
}
