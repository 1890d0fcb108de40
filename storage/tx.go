package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

const (
	retryInitial = 25 * time.Millisecond
	retryMax     = 400 * time.Millisecond
)

const lockCollection = `UPDATE task_order_lock SET version = version + 1 WHERE id = 1`

// withTx runs fn inside a write transaction that holds the collection lock.
// The transaction commits when fn returns nil and rolls back otherwise.
// Transient engine conflicts restart the whole transaction.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := retryInitial
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if _, ok := err.(errNoop); ok {
			return nil
		}
		if !isTransient(err) || attempt >= s.retries {
			return translate(op, err)
		}
		s.log.WithFields(log.Fields{"op": op, "attempt": attempt + 1, "error": err}).Warn("transient storage conflict, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return translate(op, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
				s.log.WithError(rerr).Error("rollback failed")
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, lockCollection); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// errNoop rolls back a transaction that turned out to have nothing to do.
// withTx reports it as success.
type errNoop struct{}

func (errNoop) Error() string { return "no changes" }
