package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklist-api/domain"
)

const (
	msgInvalidBody      = "invalid body"
	msgInvalidTaskID    = "invalid task id"
	msgDuplicateRequest = "duplicate request"
	msgInternal         = "internal error"
	healthTimeout       = 2 * time.Second
)

// Register wires up all API routes on the provided Echo instance. deduper may
// be nil, which disables idempotency keys.
func Register(e *echo.Echo, store TaskStore, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz(store))

	g := e.Group("/api/tasks", RequestMetrics(logger), RequireAuth(auth))
	g.GET("", listTasks(store, logger))
	g.POST("", createTask(store, deduper, logger))
	g.GET("/costs/sum", sumCosts(store, logger))
	g.GET("/:id", getTask(store, logger))
	g.PUT("/:id", updateTask(store, logger))
	g.DELETE("/:id", deleteTask(store, logger))
	g.PATCH("/:id/reorder", reorderTask(store, logger))
	g.PATCH("/:id/move-up", moveTask(store.MoveUp, "task moved up", logger))
	g.PATCH("/:id/move-down", moveTask(store.MoveDown, "task moved down", logger))
}

func healthz(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		}
		return c.NoContent(http.StatusOK)
	}
}

func listTasks(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		start := time.Now()
		tasks, err := store.List(c.Request().Context())
		metrics.ObserveStore(time.Since(start))
		if err != nil {
			return writeError(c, logger, "list", err)
		}
		metrics.SetTasksReturned(len(tasks))
		resp := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			resp = append(resp, newTaskResponse(t))
		}
		return encode(c, http.StatusOK, resp)
	}
}

func getTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := taskID(c)
		if err != nil {
			return writeError(c, logger, "path", err)
		}
		start := time.Now()
		task, err := store.Get(c.Request().Context(), id)
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return writeError(c, logger, "get", err)
		}
		return encode(c, http.StatusOK, newTaskResponse(task))
	}
}

func createTask(store TaskStore, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		metrics := metricsFrom(c)

		var p taskPayload
		if err := decodeBody(c, &p); err != nil {
			return writeError(c, logger, "decode", err)
		}
		in, err := p.input()
		if err != nil {
			return writeError(c, logger, "validate", err)
		}

		userID := userIDFrom(c)
		key := c.Request().Header.Get(headerIdempotencyKey)
		if deduper == nil {
			key = ""
		}
		if key != "" {
			added, err := deduper.Add(ctx, userID, key)
			switch {
			case err != nil:
				logger.WithError(err).Warn("idempotency check failed; processing request")
				key = ""
			case !added:
				metrics.SetErrorStage("duplicate")
				return c.JSON(http.StatusConflict, errorResponse{Error: msgDuplicateRequest})
			}
		}
		release := func() {
			if key == "" {
				return
			}
			if err := deduper.Remove(context.WithoutCancel(ctx), userID, key); err != nil {
				logger.WithError(err).Warn("failed to release idempotency key")
			}
		}

		start := time.Now()
		task, err := createChecked(ctx, store, in)
		metrics.ObserveStore(time.Since(start))
		if err != nil {
			release()
			return writeError(c, logger, "create", err)
		}
		metrics.SetTaskID(task.ID)
		c.Response().Header().Set(echo.HeaderLocation, "/api/tasks/"+strconv.FormatInt(task.ID, 10))
		return encode(c, http.StatusCreated, newTaskResponse(task))
	}
}

// createChecked pre-checks the name so the common conflict is reported
// without a failed write. The unique constraint still backs it.
func createChecked(ctx context.Context, store TaskStore, in domain.TaskInput) (domain.Task, error) {
	exists, err := store.NameExists(ctx, in.Name, 0)
	if err != nil {
		return domain.Task{}, err
	}
	if exists {
		return domain.Task{}, domain.Conflict("name", domain.MsgNameInUse, nil)
	}
	return store.Create(ctx, in)
}

func updateTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		metrics := metricsFrom(c)

		id, err := taskID(c)
		if err != nil {
			return writeError(c, logger, "path", err)
		}
		metrics.SetTaskID(id)
		var p taskPayload
		if err := decodeBody(c, &p); err != nil {
			return writeError(c, logger, "decode", err)
		}
		in, err := p.input()
		if err != nil {
			return writeError(c, logger, "validate", err)
		}

		start := time.Now()
		defer func() { metrics.ObserveStore(time.Since(start)) }()
		exists, err := store.NameExists(ctx, in.Name, id)
		if err != nil {
			return writeError(c, logger, "update", err)
		}
		if exists {
			return writeError(c, logger, "update", domain.Conflict("name", domain.MsgNameInUse, nil))
		}
		task, err := store.Update(ctx, id, in)
		if err != nil {
			return writeError(c, logger, "update", err)
		}
		return encode(c, http.StatusOK, newTaskResponse(task))
	}
}

func deleteTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := taskID(c)
		if err != nil {
			return writeError(c, logger, "path", err)
		}
		metricsFrom(c).SetTaskID(id)
		start := time.Now()
		err = store.Delete(c.Request().Context(), id)
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return writeError(c, logger, "delete", err)
		}
		return encode(c, http.StatusOK, messageResponse{Message: "task deleted"})
	}
}

func reorderTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := taskID(c)
		if err != nil {
			return writeError(c, logger, "path", err)
		}
		metricsFrom(c).SetTaskID(id)
		var p reorderPayload
		if err := decodeBody(c, &p); err != nil {
			return writeError(c, logger, "decode", err)
		}
		if p.NewOrder == nil || *p.NewOrder < 1 {
			return writeError(c, logger, "validate", domain.InvalidField("new_order", domain.MsgInvalidPosition))
		}
		start := time.Now()
		err = store.Reorder(c.Request().Context(), id, *p.NewOrder)
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return writeError(c, logger, "reorder", err)
		}
		return encode(c, http.StatusOK, messageResponse{Message: "task reordered"})
	}
}

func moveTask(move func(context.Context, int64) error, done string, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := taskID(c)
		if err != nil {
			return writeError(c, logger, "path", err)
		}
		metricsFrom(c).SetTaskID(id)
		start := time.Now()
		err = move(c.Request().Context(), id)
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return writeError(c, logger, "move", err)
		}
		return encode(c, http.StatusOK, messageResponse{Message: done})
	}
}

func sumCosts(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		total, err := store.SumCosts(c.Request().Context())
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return writeError(c, logger, "sum", err)
		}
		return encode(c, http.StatusOK, sumResponse{Total: total})
	}
}

func taskID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.InvalidField("id", msgInvalidTaskID)
	}
	return id, nil
}

// strictJSON rejects fields the target struct does not declare.
var strictJSON = sonic.Config{
	EscapeHTML:            true,
	SortMapKeys:           true,
	CompactMarshaler:      true,
	CopyString:            true,
	ValidateString:        true,
	DisallowUnknownFields: true,
}.Froze()

// decodeBody accepts exactly one JSON value of at most maxBodySize bytes.
func decodeBody(c echo.Context, v any) error {
	body := c.Request().Body
	if body == nil {
		return domain.Invalid(msgInvalidBody)
	}
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		return &domain.Error{Kind: domain.ErrInvalidArgument, Msg: msgInvalidBody, Err: err}
	}
	if len(data) > maxBodySize {
		return domain.Invalid(msgInvalidBody)
	}
	if !sonic.Valid(data) {
		return domain.Invalid(msgInvalidBody)
	}
	if err := strictJSON.Unmarshal(data, v); err != nil {
		return &domain.Error{Kind: domain.ErrInvalidArgument, Msg: msgInvalidBody, Err: err}
	}
	return nil
}

func encode(c echo.Context, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	metricsFrom(c).ObserveEncode(time.Since(start))
	if err != nil {
		metricsFrom(c).SetErrorStage("encode_response")
	}
	return err
}

// writeError renders err using the caller-facing taxonomy. Storage failures
// are logged with detail and reported generically.
func writeError(c echo.Context, logger *log.Logger, stage string, err error) error {
	metrics := metricsFrom(c)
	metrics.SetErrorStage(stage)

	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		metrics.SetFailure(err)
		logger.WithFields(log.Fields{
			"route":  c.Path(),
			"method": c.Request().Method,
			"stage":  stage,
		}).WithError(err).Error("request failed")
	}
	return c.JSON(status, errorResponse{Error: msg})
}

func statusFor(err error) (int, string) {
	var de *domain.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError, msgInternal
	}
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, de.Message()
	case errors.Is(err, domain.ErrConstraintViolation):
		return http.StatusBadRequest, de.Message()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, de.Message()
	}
	return http.StatusInternalServerError, msgInternal
}
