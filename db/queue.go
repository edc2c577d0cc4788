package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/foresightd/foresight/domain"
	"github.com/google/uuid"
)

// Delivery job queries
const (
	sqlInsertDeliveryJob = `INSERT INTO delivery_jobs(id, target_url, signing_key_id, payload, status, attempt_count, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, '', ?)`

	// Claim: bump the attempt counter on the due pending rows inside one
	// transaction and return them. SQLite serializes writers, so two
	// concurrent workers can never claim the same row; committing the
	// claim before the POST means a crash mid-delivery leaves the row
	// pending and retryable instead of stuck.
	sqlClaimDueDeliveries = `UPDATE delivery_jobs
		SET attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE id IN (
			SELECT id FROM delivery_jobs
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC
			LIMIT ?
		)
		RETURNING id, target_url, signing_key_id, payload, status, attempt_count, last_attempt_at, next_attempt_at, last_status_code, last_error, delivered_at, created_at`

	sqlMarkDeliveryDelivered   = `UPDATE delivery_jobs SET status = 'delivered', delivered_at = ?, last_error = '', last_status_code = ? WHERE id = ? AND status = 'pending'`
	sqlMarkDeliveryRetry       = `UPDATE delivery_jobs SET next_attempt_at = ?, last_error = ?, last_status_code = ? WHERE id = ? AND status = 'pending'`
	sqlMarkDeliveryDead        = `UPDATE delivery_jobs SET status = 'dead', last_error = ?, last_status_code = ? WHERE id = ? AND status = 'pending'`
	sqlSelectDeliveryJob       = `SELECT id, target_url, signing_key_id, payload, status, attempt_count, last_attempt_at, next_attempt_at, last_status_code, last_error, delivered_at, created_at FROM delivery_jobs WHERE id = ?`
	sqlCountDeliveriesByStatus = `SELECT COUNT(*) FROM delivery_jobs WHERE status = ?`
)

func (db *DB) InsertDeliveryJob(job *domain.DeliveryJob) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryJob,
			job.Id.String(),
			job.TargetURL,
			job.SigningKeyId,
			job.Payload,
			job.Status,
			job.NextAttemptAt,
			job.CreatedAt,
		)
		return err
	})
}

// ClaimDueDeliveries atomically claims up to limit due pending jobs,
// oldest due first. The returned rows already carry the incremented
// attempt count.
func (db *DB) ClaimDueDeliveries(limit int, now time.Time) ([]domain.DeliveryJob, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(sqlClaimDueDeliveries, now, now, limit)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	var jobs []domain.DeliveryJob
	for rows.Next() {
		job, err := scanDeliveryJob(rows)
		if err != nil {
			rows.Close()
			tx.Rollback()
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (db *DB) MarkDeliveryDelivered(id uuid.UUID, deliveredAt time.Time, statusCode int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryDelivered, deliveredAt, statusCode, id.String())
		return err
	})
}

func (db *DB) MarkDeliveryRetry(id uuid.UUID, nextAttemptAt time.Time, lastError string, statusCode *int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryRetry, nextAttemptAt, lastError, nullableInt(statusCode), id.String())
		return err
	})
}

func (db *DB) MarkDeliveryDead(id uuid.UUID, lastError string, statusCode *int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryDead, lastError, nullableInt(statusCode), id.String())
		return err
	})
}

func (db *DB) ReadDeliveryJob(id uuid.UUID) (*domain.DeliveryJob, error) {
	row := db.db.QueryRow(sqlSelectDeliveryJob, id.String())
	return scanDeliveryJob(row)
}

func (db *DB) CountDeliveriesByStatus(status string) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountDeliveriesByStatus, status).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeliveryJob(row rowScanner) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var idStr string
	var lastAttempt, deliveredAt sql.NullTime
	var lastStatus sql.NullInt64
	err := row.Scan(
		&idStr,
		&job.TargetURL,
		&job.SigningKeyId,
		&job.Payload,
		&job.Status,
		&job.AttemptCount,
		&lastAttempt,
		&job.NextAttemptAt,
		&lastStatus,
		&job.LastError,
		&deliveredAt,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Id, _ = uuid.Parse(idStr)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		job.LastAttemptAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		job.DeliveredAt = &t
	}
	if lastStatus.Valid {
		code := int(lastStatus.Int64)
		job.LastStatusCode = &code
	}
	return &job, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
