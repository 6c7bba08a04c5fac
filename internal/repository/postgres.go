// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Все инварианты параллельного доступа (запрет двойного списания, идемпотентность
// начислений и переходов статусов) обеспечиваются на уровне БД: условными UPDATE
// и уникальными ограничениями, а не блокировками в процессе. Это сохраняет
// корректность при нескольких экземплярах сервиса и перезапусках.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/artgen-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ с указанным checkout id не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidOrderState возвращается при недопустимом переходе статуса заказа.
	ErrInvalidOrderState = errors.New("invalid order state")
	// ErrInsufficientCredits возвращается при попытке списания сверх баланса.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrCreditEntryNotFound возвращается, если запись журнала с указанным ключом не найдена.
	ErrCreditEntryNotFound = errors.New("credit entry not found")
	// ErrTaskNotFound возвращается, если задача не найдена.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTaskState возвращается при недопустимом переходе статуса задачи.
	ErrInvalidTaskState = errors.New("invalid task state")
	// ErrTaskOwnedByAnother возвращается, если task_no принадлежит другому пользователю.
	ErrTaskOwnedByAnother = errors.New("task already created by another user")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при ошибках сериализации, дедлоках и сетевых сбоях.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя и его счёт кредитов с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id, balance) VALUES ($1, 0)`,
		id,
	); err != nil {
		return 0, fmt.Errorf("create balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

const orderColumns = `id, user_id, external_checkout_id, product_id, credits, price_cents, product_type, status, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var productType, status string
	err := row.Scan(&o.ID, &o.UserID, &o.CheckoutID, &o.ProductID, &o.Credits,
		&o.PriceCents, &productType, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Type = model.ProductType(productType)
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// CreateOrder сохраняет новый заказ в статусе pending.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, external_checkout_id, product_id, credits, price_cents, product_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+orderColumns,
		o.UserID, o.CheckoutID, o.ProductID, o.Credits, o.PriceCents, string(o.Type), string(model.OrderStatusPending),
	)

	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	return created, nil
}

// GetOrderByCheckoutID возвращает заказ по внешнему идентификатору чекаута.
func (r *PostgresRepository) GetOrderByCheckoutID(ctx context.Context, checkoutID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE external_checkout_id = $1`,
		checkoutID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// MarkOrderPaid выполняет переход pending→paid. Возвращает заказ и признак того,
// что переход действительно произошёл. Повторная оплата уже оплаченного заказа —
// no-op с transitioned=false, что делает безопасной повторную доставку вебхука.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, checkoutID string) (*model.Order, bool, error) {
	var order *model.Order
	var transitioned bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`UPDATE orders SET status = $2, updated_at = now()
			 WHERE external_checkout_id = $1 AND status = $3
			 RETURNING `+orderColumns,
			checkoutID, string(model.OrderStatusPaid), string(model.OrderStatusPending),
		)

		o, err := scanOrder(row)
		if err == nil {
			order = o
			transitioned = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("mark order paid: %w", err)
		}

		existing, err := r.GetOrderByCheckoutID(ctx, checkoutID)
		if err != nil {
			return err
		}
		if existing.Status == model.OrderStatusPaid {
			order = existing
			transitioned = false
			return nil
		}

		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrderState, checkoutID, existing.Status)
	})
	if err != nil {
		return nil, false, err
	}

	return order, transitioned, nil
}

// MarkOrderRefunded выполняет переход paid→refunded. Повторный возврат — no-op.
// Возврат неоплаченного заказа — ошибка ErrInvalidOrderState.
func (r *PostgresRepository) MarkOrderRefunded(ctx context.Context, checkoutID string) (*model.Order, bool, error) {
	var order *model.Order
	var transitioned bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`UPDATE orders SET status = $2, updated_at = now()
			 WHERE external_checkout_id = $1 AND status = $3
			 RETURNING `+orderColumns,
			checkoutID, string(model.OrderStatusRefunded), string(model.OrderStatusPaid),
		)

		o, err := scanOrder(row)
		if err == nil {
			order = o
			transitioned = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("mark order refunded: %w", err)
		}

		existing, err := r.GetOrderByCheckoutID(ctx, checkoutID)
		if err != nil {
			return err
		}
		if existing.Status == model.OrderStatusRefunded {
			order = existing
			transitioned = false
			return nil
		}

		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrderState, checkoutID, existing.Status)
	})
	if err != nil {
		return nil, false, err
	}

	return order, transitioned, nil
}

// ApplyCredit атомарно применяет дельту к балансу пользователя и записывает её
// в журнал. Пара (reason, refID) уникальна: повторный вызов с тем же ключом
// возвращает applied=false, не меняя баланс. Отрицательная дельта, превышающая
// баланс, отклоняется с ErrInsufficientCredits.
func (r *PostgresRepository) ApplyCredit(ctx context.Context, userID, delta int64, reason, refID string) (bool, error) {
	var applied bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO credit_entries (user_id, delta, reason, ref_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (reason, ref_id) DO NOTHING`,
			userID, delta, reason, refID,
		)
		if err != nil {
			return fmt.Errorf("insert credit entry: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			// Запись с этим ключом уже применена ранее.
			applied = false
			return tx.Commit(ctx)
		}

		cmdTag, err = tx.Exec(ctx,
			`UPDATE balances SET balance = balance + $2
			 WHERE user_id = $1 AND balance + $2 >= 0`,
			userID, delta,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrInsufficientCredits
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

// GetBalance возвращает материализованный баланс кредитов пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT balance FROM balances WHERE user_id = $1), 0)`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// GetCreditEntry возвращает запись журнала по её ключу идемпотентности.
func (r *PostgresRepository) GetCreditEntry(ctx context.Context, reason, refID string) (*model.CreditEntry, error) {
	var e model.CreditEntry
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, delta, reason, ref_id, created_at
		 FROM credit_entries
		 WHERE reason = $1 AND ref_id = $2`,
		reason, refID,
	).Scan(&e.UserID, &e.Delta, &e.Reason, &e.RefID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCreditEntryNotFound
		}
		return nil, fmt.Errorf("get credit entry: %w", err)
	}
	return &e, nil
}

// GetCreditEntries возвращает журнал движения кредитов пользователя.
func (r *PostgresRepository) GetCreditEntries(ctx context.Context, userID int64) ([]model.CreditEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, delta, reason, ref_id, created_at
		 FROM credit_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select credit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.CreditEntry
	for rows.Next() {
		var e model.CreditEntry
		if err := rows.Scan(&e.UserID, &e.Delta, &e.Reason, &e.RefID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

const taskColumns = `task_no, user_id, provider_task_id, status, kind, prompt, result_url, fail_reason, credits_reserved, created_at, updated_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var status, kind string
	err := row.Scan(&t.TaskNo, &t.UserID, &t.ProviderTaskID, &status, &kind,
		&t.Prompt, &t.ResultURL, &t.FailReason, &t.CreditsReserved, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Kind = model.TaskKind(kind)
	return &t, nil
}

// CreateTask сохраняет задачу генерации и возвращает признак того, что запись
// создана впервые. Повторная отправка того же task_no возвращает существующую
// задачу, а не создаёт дубликат.
func (r *PostgresRepository) CreateTask(ctx context.Context, t *model.Task) (*model.Task, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO tasks (task_no, user_id, status, kind, prompt, credits_reserved)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_no) DO NOTHING`,
		t.TaskNo, t.UserID, string(model.TaskStatusPending), string(t.Kind), t.Prompt, t.CreditsReserved,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	existing, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_no = $1`,
		t.TaskNo,
	))
	if err != nil {
		return nil, false, fmt.Errorf("select existing task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	if existing.UserID != t.UserID {
		return nil, false, ErrTaskOwnedByAnother
	}

	return existing, inserted, nil
}

// GetTaskByNo возвращает задачу по её номеру.
func (r *PostgresRepository) GetTaskByNo(ctx context.Context, taskNo string) (*model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_no = $1`,
		taskNo,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) getTaskByProviderID(ctx context.Context, providerTaskID string) (*model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE provider_task_id = $1`,
		providerTaskID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// SetTaskRunning фиксирует подтверждение постановки: задача получает идентификатор
// провайдера и переходит pending→running. Повторное подтверждение уже запущенной
// задачи — no-op; подтверждение завершённой задачи — ErrInvalidTaskState.
func (r *PostgresRepository) SetTaskRunning(ctx context.Context, taskNo, providerTaskID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET provider_task_id = $2, status = $3, updated_at = now()
		 WHERE task_no = $1 AND status = $4`,
		taskNo, providerTaskID, string(model.TaskStatusRunning), string(model.TaskStatusPending),
	)
	if err != nil {
		return fmt.Errorf("set task running: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	existing, err := r.GetTaskByNo(ctx, taskNo)
	if err != nil {
		return err
	}
	if existing.Status == model.TaskStatusRunning {
		return nil
	}

	return fmt.Errorf("%w: task %s is %s", ErrInvalidTaskState, taskNo, existing.Status)
}

func (r *PostgresRepository) finishTask(ctx context.Context, field, key string, status model.TaskStatus, resultURL, failReason string) (*model.Task, bool, error) {
	query := `UPDATE tasks SET status = $2, result_url = $3, fail_reason = $4, updated_at = now()
		 WHERE ` + field + ` = $1 AND status IN ($5, $6)
		 RETURNING ` + taskColumns

	row := r.pool.QueryRow(ctx, query,
		key, string(status), resultURL, failReason,
		string(model.TaskStatusPending), string(model.TaskStatusRunning),
	)

	t, err := scanTask(row)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("finish task: %w", err)
	}

	var existing *model.Task
	if field == "provider_task_id" {
		existing, err = r.getTaskByProviderID(ctx, key)
	} else {
		existing, err = r.GetTaskByNo(ctx, key)
	}
	if err != nil {
		return nil, false, err
	}

	// Задача уже в терминальном статусе: повторное событие — no-op.
	return existing, false, nil
}

// FinishTaskByProviderID переводит задачу в терминальный статус по идентификатору
// провайдера. Если задача уже завершена, возвращает её без изменений с
// transitioned=false: терминальные статусы неизменяемы.
func (r *PostgresRepository) FinishTaskByProviderID(ctx context.Context, providerTaskID string, status model.TaskStatus, resultURL, failReason string) (*model.Task, bool, error) {
	return r.finishTask(ctx, "provider_task_id", providerTaskID, status, resultURL, failReason)
}

// FinishTaskByNo переводит задачу в терминальный статус по её номеру.
// Используется для задач, так и не получивших идентификатор провайдера.
func (r *PostgresRepository) FinishTaskByNo(ctx context.Context, taskNo string, status model.TaskStatus, resultURL, failReason string) (*model.Task, bool, error) {
	return r.finishTask(ctx, "task_no", taskNo, status, resultURL, failReason)
}

// GetTasksForReconcile возвращает запущенные задачи, по которым давно не было
// обновлений и требуется сверка с провайдером.
func (r *PostgresRepository) GetTasksForReconcile(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(model.TaskStatusRunning), updatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select tasks for reconcile: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetStuckDispatchTasks возвращает задачи, не получившие идентификатор провайдера
// в отведённое время. Такие задачи считаются неотправленными и подлежат отмене.
func (r *PostgresRepository) GetStuckDispatchTasks(ctx context.Context, createdBefore time.Time, limit int) ([]model.Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = $1 AND provider_task_id IS NULL AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.TaskStatusPending), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stuck tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]model.Task, error) {
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tasks, nil
}
