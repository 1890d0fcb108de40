package api

import (
	"tasklist-api/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

const headerIdempotencyKey = "Idempotency-Key"

// POST /api/tasks and PUT /api/tasks/:id request body. Pointers tell a
// missing field apart from its zero value.
type taskPayload struct {
	Name    *string  `json:"name"`
	Cost    *float64 `json:"cost"`
	DueDate *string  `json:"due_date"`
}

func (p taskPayload) input() (domain.TaskInput, error) {
	if p.Cost == nil {
		return domain.TaskInput{}, domain.InvalidField("cost", "cost is required")
	}
	in := domain.TaskInput{Cost: *p.Cost}
	if p.Name != nil {
		in.Name = *p.Name
	}
	if p.DueDate != nil {
		in.DueDate = *p.DueDate
	}
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.TaskInput{}, err
	}
	return in, nil
}

// PATCH /api/tasks/:id/reorder request body
type reorderPayload struct {
	NewOrder *int `json:"new_order"`
}

type taskResponse struct {
	domain.Task
	DueDateFormatted string `json:"due_date_formatted"`
}

func newTaskResponse(t domain.Task) taskResponse {
	return taskResponse{Task: t, DueDateFormatted: domain.FormatDisplayDate(t.DueDate)}
}

type messageResponse struct {
	Message string `json:"message"`
}

type sumResponse struct {
	Total float64 `json:"total"`
}

type errorResponse struct {
	Error string `json:"error"`
}
