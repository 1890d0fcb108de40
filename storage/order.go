package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"tasklist-api/domain"
)

// ErrSequenceBroken is wrapped by Verify when task orders are not exactly 1..N.
var ErrSequenceBroken = errors.New("task order sequence is not dense")

// Order values are only ever negative inside a transaction, between the two
// statements of a shift. Parked tasks hold NULL.
const (
	parkTask  = `UPDATE tasks SET sort_order = NULL WHERE id = ?`
	placeTask = `UPDATE tasks SET sort_order = ? WHERE id = ?`

	// shiftBack moves (from, to] one slot towards the head.
	shiftBack = `UPDATE tasks SET sort_order = -(sort_order - 1) WHERE sort_order > ? AND sort_order <= ?`

	// shiftForward moves [to, from) one slot towards the tail.
	shiftForward = `UPDATE tasks SET sort_order = -(sort_order + 1) WHERE sort_order >= ? AND sort_order < ?`

	// closeGap moves everything after a removed slot one slot towards the head.
	closeGap = `UPDATE tasks SET sort_order = -(sort_order - 1) WHERE sort_order > ?`

	flipNegative = `UPDATE tasks SET sort_order = -sort_order WHERE sort_order < 0`
)

// Delete removes a task and closes the gap it leaves in the order sequence.
func (s *Store) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := startSpan(ctx, "delete", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	return s.withTx(ctx, "delete task", func(tx *sqlx.Tx) error {
		k, err := currentOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(closeGap), k); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, flipNegative); err != nil {
			return err
		}
		s.log.WithFields(log.Fields{"task": id, "order": k}).Debug("task deleted")
		return nil
	})
}

// Reorder moves a task to newOrder, shifting the tasks in between by one.
// Moving a task to its current position is a no-op.
func (s *Store) Reorder(ctx context.Context, id int64, newOrder int) (err error) {
	ctx, span := startSpan(ctx, "reorder", attribute.Int64("task.id", id), attribute.Int("task.new_order", newOrder))
	defer func() { endSpan(span, err) }()

	if newOrder < 1 {
		return domain.InvalidField("new_order", domain.MsgInvalidPosition)
	}
	cur, err := getTask(ctx, s.db, id)
	if err != nil {
		return err
	}
	if cur.Order == newOrder {
		return nil
	}
	return s.move(ctx, "reorder task", id, func(_, n int) (int, error) {
		if newOrder > n {
			return 0, domain.InvalidField("new_order", domain.MsgInvalidPosition)
		}
		return newOrder, nil
	})
}

// MoveUp swaps a task with its predecessor.
func (s *Store) MoveUp(ctx context.Context, id int64) (err error) {
	ctx, span := startSpan(ctx, "move_up", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	return s.move(ctx, "move task up", id, func(cur, _ int) (int, error) {
		if cur <= 1 {
			return 0, domain.Invalid(domain.MsgAlreadyFirst)
		}
		return cur - 1, nil
	})
}

// MoveDown swaps a task with its successor.
func (s *Store) MoveDown(ctx context.Context, id int64) (err error) {
	ctx, span := startSpan(ctx, "move_down", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	return s.move(ctx, "move task down", id, func(cur, n int) (int, error) {
		if cur >= n {
			return 0, domain.Invalid(domain.MsgAlreadyLast)
		}
		return cur + 1, nil
	})
}

// move resolves the target position from the task's current order and the
// task count, both read under the collection lock, then relocates the task.
func (s *Store) move(ctx context.Context, op string, id int64, target func(cur, n int) (int, error)) error {
	return s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		from, err := currentOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM tasks`); err != nil {
			return err
		}
		to, err := target(from, n)
		if err != nil {
			return err
		}
		if to == from {
			return errNoop{}
		}
		if err := relocate(ctx, tx, id, from, to); err != nil {
			return err
		}
		s.log.WithFields(log.Fields{"task": id, "from": from, "to": to}).Debug("task moved")
		return nil
	})
}

// relocate runs park, shift and place. Each shift maps its range into the
// negative space first and flips it back, so no statement ever assigns an
// order another row still holds.
func relocate(ctx context.Context, tx *sqlx.Tx, id int64, from, to int) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(parkTask), id); err != nil {
		return err
	}
	if to > from {
		if _, err := tx.ExecContext(ctx, tx.Rebind(shiftBack), from, to); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, tx.Rebind(shiftForward), to, from); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, flipNegative); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(placeTask), to, id)
	return err
}

func currentOrder(ctx context.Context, tx *sqlx.Tx, id int64) (int, error) {
	var order sql.NullInt64
	err := tx.GetContext(ctx, &order, tx.Rebind(`SELECT sort_order FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.NotFound(id)
	}
	if err != nil {
		return 0, err
	}
	if !order.Valid {
		return 0, fmt.Errorf("%w: task %d has no order", ErrSequenceBroken, id)
	}
	return int(order.Int64), nil
}

// Verify checks that task orders are exactly 1..N.
func (s *Store) Verify(ctx context.Context) error {
	var orders []sql.NullInt64
	if err := s.db.SelectContext(ctx, &orders, `SELECT sort_order FROM tasks ORDER BY sort_order IS NULL, sort_order`); err != nil {
		return translate("verify order sequence", err)
	}
	for i, o := range orders {
		want := int64(i + 1)
		if !o.Valid {
			return domain.StorageFailure("verify order sequence", fmt.Errorf("%w: position %d holds no order", ErrSequenceBroken, want))
		}
		if o.Int64 != want {
			return domain.StorageFailure("verify order sequence", fmt.Errorf("%w: position %d holds order %d", ErrSequenceBroken, want, o.Int64))
		}
	}
	return nil
}

// Renumber rewrites task orders to 1..N, keeping the current relative order.
// Ties and missing orders are resolved by id.
func (s *Store) Renumber(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "renumber")
	defer func() { endSpan(span, err) }()

	return s.withTx(ctx, "renumber tasks", func(tx *sqlx.Tx) error {
		var ids []int64
		if err := tx.SelectContext(ctx, &ids, `SELECT id FROM tasks ORDER BY sort_order IS NULL, sort_order, id`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET sort_order = NULL`); err != nil {
			return err
		}
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, tx.Rebind(placeTask), i+1, id); err != nil {
				return err
			}
		}
		s.log.WithField("tasks", len(ids)).Info("task order renumbered")
		return nil
	})
}
