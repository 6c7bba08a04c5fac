// Package service реализует бизнес-логику сервиса artgen: расчёты по платёжным
// событиям и жизненный цикл задач генерации.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/artgen-system/internal/catalog"
	"github.com/mmeshcher/artgen-system/internal/model"
	"github.com/mmeshcher/artgen-system/internal/payment"
	"github.com/mmeshcher/artgen-system/internal/provider"
	"github.com/mmeshcher/artgen-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	MarkOrderPaid(ctx context.Context, checkoutID string) (*model.Order, bool, error)
	MarkOrderRefunded(ctx context.Context, checkoutID string) (*model.Order, bool, error)
	ApplyCredit(ctx context.Context, userID, delta int64, reason, refID string) (bool, error)
	GetCreditEntry(ctx context.Context, reason, refID string) (*model.CreditEntry, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetCreditEntries(ctx context.Context, userID int64) ([]model.CreditEntry, error)
	CreateTask(ctx context.Context, t *model.Task) (*model.Task, bool, error)
	GetTaskByNo(ctx context.Context, taskNo string) (*model.Task, error)
	SetTaskRunning(ctx context.Context, taskNo, providerTaskID string) error
	FinishTaskByProviderID(ctx context.Context, providerTaskID string, status model.TaskStatus, resultURL, failReason string) (*model.Task, bool, error)
	FinishTaskByNo(ctx context.Context, taskNo string, status model.TaskStatus, resultURL, failReason string) (*model.Task, bool, error)
	GetTasksForReconcile(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Task, error)
	GetStuckDispatchTasks(ctx context.Context, createdBefore time.Time, limit int) ([]model.Task, error)
}

// Provider описывает контракт клиента провайдера генерации.
type Provider interface {
	SubmitTask(ctx context.Context, kind, prompt, clientRef string) (string, error)
	GetTaskResult(ctx context.Context, providerTaskID string) (*provider.TaskResult, int, time.Duration, error)
}

// Options содержит настройки бизнес-логики.
type Options struct {
	// ClawbackOnRefund включает обратное списание кредитов при возврате платежа.
	ClawbackOnRefund bool
	// ReconcileInterval задаёт период фоновой сверки задач с провайдером.
	ReconcileInterval time.Duration
	// DispatchTimeout задаёт время, после которого задача без подтверждения
	// провайдера считается неотправленной.
	DispatchTimeout time.Duration
}

// Service содержит бизнес-логику сервиса artgen.
type Service struct {
	repo     Repository
	provider Provider
	logger   *zap.Logger
	opts     Options
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом провайдера.
func NewService(repo Repository, prov Provider, logger *zap.Logger, opts Options) *Service {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Second
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		provider: prov,
		logger:   logger,
		opts:     opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateOrder создаёт заказ на покупку продукта из доверенного каталога.
// Цена и количество кредитов берутся только из каталога.
func (s *Service) CreateOrder(ctx context.Context, userID int64, productID string) (*model.Order, error) {
	p, err := catalog.Find(productID)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		UserID:     userID,
		CheckoutID: uuid.NewString(),
		ProductID:  p.ID,
		Credits:    p.Credits,
		PriceCents: p.PriceCents,
		Type:       p.Type,
	}

	return s.repo.CreateOrder(ctx, order)
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetBalance возвращает баланс кредитов пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Balance: balance}, nil
}

// GetCreditEntries возвращает журнал движения кредитов пользователя.
func (s *Service) GetCreditEntries(ctx context.Context, userID int64) ([]model.CreditEntry, error) {
	return s.repo.GetCreditEntries(ctx, userID)
}

// SettlePayment применяет проверенное платёжное событие: переводит заказ в новый
// статус и начисляет кредиты. Переход статуса фиксируется в БД до начисления;
// ключ идемпотентности начисления (reason="order", ref=id заказа) гарантирует,
// что падение между этими шагами при повторной доставке не приведёт к двойному
// начислению. Подпись события должна быть проверена до вызова.
func (s *Service) SettlePayment(ctx context.Context, ev payment.Event) error {
	switch e := ev.(type) {
	case payment.CheckoutCompleted:
		return s.settleCompleted(ctx, e.CheckoutID)
	case payment.RefundCreated:
		return s.settleRefunded(ctx, e.CheckoutID)
	default:
		s.logger.Warn("unsupported payment event", zap.String("kind", ev.Kind()))
		return nil
	}
}

func (s *Service) settleCompleted(ctx context.Context, checkoutID string) error {
	order, transitioned, err := s.repo.MarkOrderPaid(ctx, checkoutID)
	if err != nil {
		return err
	}

	if !transitioned {
		s.logger.Info("duplicate checkout.completed",
			zap.String("checkoutID", checkoutID))
	}

	// Начисление выполняется для оплаченного заказа всегда, в том числе при
	// повторной доставке: падение между фиксацией оплаты и начислением
	// восстанавливается следующим событием, а ключ (reason="order", ref=id)
	// не даёт начислить дважды.
	refID := strconv.FormatInt(order.ID, 10)
	applied, err := s.repo.ApplyCredit(ctx, order.UserID, order.Credits, model.ReasonOrder, refID)
	if err != nil {
		return fmt.Errorf("grant credits for order %d: %w", order.ID, err)
	}
	if !applied {
		s.logger.Info("credits already granted for order", zap.Int64("orderID", order.ID))
	}

	return nil
}

func (s *Service) settleRefunded(ctx context.Context, checkoutID string) error {
	order, transitioned, err := s.repo.MarkOrderRefunded(ctx, checkoutID)
	if err != nil {
		return err
	}

	if !transitioned {
		s.logger.Info("duplicate refund.created ignored",
			zap.String("checkoutID", checkoutID))
		return nil
	}

	if !s.opts.ClawbackOnRefund {
		return nil
	}

	refID := strconv.FormatInt(order.ID, 10)
	_, err = s.repo.ApplyCredit(ctx, order.UserID, -order.Credits, model.ReasonClawback, refID)
	if errors.Is(err, repository.ErrInsufficientCredits) {
		// Кредиты уже потрачены: баланс не уходит в минус, возврат без списания.
		s.logger.Warn("clawback skipped, credits already spent",
			zap.Int64("orderID", order.ID),
			zap.Int64("userID", order.UserID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("clawback for order %d: %w", order.ID, err)
	}

	return nil
}

// SubmitTask резервирует кредиты, создаёт задачу генерации и отправляет её
// провайдеру. task_no — клиентский ключ идемпотентности: повторная отправка
// возвращает существующую задачу без повторного списания. Возвращает признак
// того, что задача создана впервые.
func (s *Service) SubmitTask(ctx context.Context, userID int64, taskNo string, kind model.TaskKind, prompt string) (*model.Task, bool, error) {
	cost, err := catalog.TaskCost(kind)
	if err != nil {
		return nil, false, err
	}

	reserved, err := s.repo.ApplyCredit(ctx, userID, -cost, model.ReasonReserve, taskNo)
	if err != nil {
		return nil, false, err
	}

	if !reserved {
		// Резерв с этим task_no уже есть: это повторная отправка.
		existing, err := s.repo.GetTaskByNo(ctx, taskNo)
		if err == nil {
			if existing.UserID != userID {
				return nil, false, repository.ErrTaskOwnedByAnother
			}
			return existing, false, nil
		}
		if !errors.Is(err, repository.ErrTaskNotFound) {
			return nil, false, err
		}
		// Резерв есть, а задачи нет: предыдущая попытка оборвалась между
		// резервом и созданием. Досоздаём задачу, но только для владельца
		// резерва: чужой task_no не должен присвоить чужое списание.
		entry, err := s.repo.GetCreditEntry(ctx, model.ReasonReserve, taskNo)
		if err != nil {
			return nil, false, err
		}
		if entry.UserID != userID {
			return nil, false, repository.ErrTaskOwnedByAnother
		}
	}

	task, created, err := s.repo.CreateTask(ctx, &model.Task{
		TaskNo:          taskNo,
		UserID:          userID,
		Kind:            kind,
		Prompt:          prompt,
		CreditsReserved: cost,
	})
	if err != nil {
		return nil, false, err
	}
	if !created && task.Status != model.TaskStatusPending {
		return task, false, nil
	}

	if s.provider == nil {
		// Без провайдера задача остаётся pending: её подберёт свип по таймауту.
		s.logger.Warn("no provider configured, task left pending", zap.String("taskNo", taskNo))
		return task, created, nil
	}

	providerTaskID, err := s.provider.SubmitTask(ctx, string(kind), prompt, taskNo)
	if err != nil {
		s.logger.Error("task dispatch failed",
			zap.String("taskNo", taskNo),
			zap.Error(err))
		return s.failTask(ctx, task, "dispatch failed")
	}

	if err := s.repo.SetTaskRunning(ctx, taskNo, providerTaskID); err != nil {
		if errors.Is(err, repository.ErrInvalidTaskState) {
			// Задачу успели завершить (например, свип по таймауту).
			finished, getErr := s.repo.GetTaskByNo(ctx, taskNo)
			if getErr != nil {
				return nil, false, getErr
			}
			return finished, created, nil
		}
		return nil, false, err
	}

	task, err = s.repo.GetTaskByNo(ctx, taskNo)
	if err != nil {
		return nil, false, err
	}

	return task, created, nil
}

func (s *Service) failTask(ctx context.Context, task *model.Task, reason string) (*model.Task, bool, error) {
	failed, transitioned, err := s.repo.FinishTaskByNo(ctx, task.TaskNo, model.TaskStatusFailed, "", reason)
	if err != nil {
		return nil, false, err
	}
	if transitioned {
		if err := s.refundTask(ctx, failed); err != nil {
			return nil, false, err
		}
	}
	return failed, false, nil
}

// refundTask возвращает зарезервированные кредиты за неудавшуюся задачу.
// Ключ (reason="task_refund", ref=task_no) гарантирует единственный возврат,
// даже если падение задачи наблюдают и вебхук, и сверка.
func (s *Service) refundTask(ctx context.Context, task *model.Task) error {
	applied, err := s.repo.ApplyCredit(ctx, task.UserID, task.CreditsReserved, model.ReasonTaskRefund, task.TaskNo)
	if err != nil {
		return fmt.Errorf("refund task %s: %w", task.TaskNo, err)
	}
	if !applied {
		s.logger.Info("task already refunded", zap.String("taskNo", task.TaskNo))
	}
	return nil
}

// ApplyProviderResult применяет результат провайдера к задаче. Единственная
// точка перехода в терминальный статус и для вебхука, и для сверки: задача в
// терминальном статусе не меняется, возврат кредитов происходит ровно один раз.
func (s *Service) ApplyProviderResult(ctx context.Context, result *provider.TaskResult) error {
	var status model.TaskStatus

	switch result.Status {
	case provider.StatusSucceeded:
		status = model.TaskStatusSucceeded
	case provider.StatusFailed:
		status = model.TaskStatusFailed
	case provider.StatusPending, provider.StatusProcessing:
		// Задача ещё выполняется, переход не требуется.
		return nil
	default:
		s.logger.Warn("unknown provider task status",
			zap.String("providerTaskID", result.TaskID),
			zap.String("status", result.Status))
		return nil
	}

	task, transitioned, err := s.repo.FinishTaskByProviderID(ctx, result.TaskID, status, result.ResultURL, result.FailReason)
	if err != nil {
		return err
	}

	if !transitioned {
		s.logger.Info("duplicate provider result ignored",
			zap.String("taskNo", task.TaskNo),
			zap.String("status", string(task.Status)))
		return nil
	}

	if status == model.TaskStatusFailed {
		return s.refundTask(ctx, task)
	}

	return nil
}

// GetTaskByNo возвращает задачу пользователя по её номеру.
func (s *Service) GetTaskByNo(ctx context.Context, userID int64, taskNo string) (*model.Task, error) {
	task, err := s.repo.GetTaskByNo(ctx, taskNo)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		// Чужие задачи не раскрываем.
		return nil, repository.ErrTaskNotFound
	}
	return task, nil
}

// StartReconciliation запускает фоновую сверку задач с провайдером. Она же
// отменяет задачи, не получившие подтверждения постановки в отведённое время.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.provider == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cancelStuckDispatches(ctx)
				s.reconcileBatch(ctx)
			}
		}
	}()
}

func (s *Service) cancelStuckDispatches(ctx context.Context) {
	cutoff := time.Now().Add(-s.opts.DispatchTimeout)

	tasks, err := s.repo.GetStuckDispatchTasks(ctx, cutoff, 100)
	if err != nil {
		s.logger.Error("select stuck tasks failed", zap.Error(err))
		return
	}

	for i := range tasks {
		task := &tasks[i]
		if _, _, err := s.failTask(ctx, task, "dispatch timeout"); err != nil {
			s.logger.Error("cancel stuck task failed",
				zap.String("taskNo", task.TaskNo),
				zap.Error(err))
		}
	}
}

func (s *Service) reconcileBatch(ctx context.Context) {
	cutoff := time.Now().Add(-s.opts.ReconcileInterval)

	tasks, err := s.repo.GetTasksForReconcile(ctx, cutoff, 100)
	if err != nil {
		s.logger.Error("select tasks for reconcile failed", zap.Error(err))
		return
	}

	for i := range tasks {
		if err := s.ReconcileTask(ctx, &tasks[i]); err != nil {
			if errors.Is(err, errProviderThrottled) {
				return
			}
			s.logger.Error("reconcile task failed",
				zap.String("taskNo", tasks[i].TaskNo),
				zap.Error(err))
		}
	}
}

var errProviderThrottled = errors.New("provider throttled")

// ReconcileTask запрашивает состояние задачи у провайдера и применяет результат
// тем же путём, что и вебхук.
func (s *Service) ReconcileTask(ctx context.Context, task *model.Task) error {
	if task.ProviderTaskID == nil {
		return nil
	}

	result, statusCode, retryAfter, err := s.provider.GetTaskResult(ctx, *task.ProviderTaskID)
	if err != nil {
		return err
	}

	if statusCode == 429 {
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		return errProviderThrottled
	}

	if result == nil {
		// Провайдер не знает задачу: оставляем как есть, решение примет оператор.
		s.logger.Warn("task unknown to provider",
			zap.String("taskNo", task.TaskNo),
			zap.Int("statusCode", statusCode))
		return nil
	}

	return s.ApplyProviderResult(ctx, result)
}
