package domain

import (
	"math"
	"strings"
	"time"
)

// DateLayout is the canonical textual form of a due date.
const DateLayout = "2006-01-02"

// DisplayDateLayout is the day-first form returned alongside the canonical date.
const DisplayDateLayout = "02/01/2006"

// Task represents a single entry in the ordered task list.
type Task struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Cost      float64   `json:"cost"`
	DueDate   string    `json:"due_date"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskInput carries the mutable fields of a task for create and update.
type TaskInput struct {
	Name    string  `json:"name"`
	Cost    float64 `json:"cost"`
	DueDate string  `json:"due_date"`
}

// Normalize trims surrounding whitespace from the textual fields.
func (in TaskInput) Normalize() TaskInput {
	in.Name = strings.TrimSpace(in.Name)
	in.DueDate = strings.TrimSpace(in.DueDate)
	return in
}

// Validate checks the input shape. The returned error is an InvalidArgument.
func (in TaskInput) Validate() error {
	if in.Name == "" {
		return InvalidField("name", "name is required")
	}
	if math.IsNaN(in.Cost) || math.IsInf(in.Cost, 0) {
		return InvalidField("cost", "cost must be a finite number")
	}
	if in.Cost < 0 {
		return InvalidField("cost", "cost cannot be negative")
	}
	if in.DueDate == "" {
		return InvalidField("due_date", "due_date is required")
	}
	if !ValidDate(in.DueDate) {
		return InvalidField("due_date", "invalid date, use the format YYYY-MM-DD")
	}
	return nil
}

// ValidDate reports whether s is a real calendar date in YYYY-MM-DD form.
func ValidDate(s string) bool {
	if len(s) != len(DateLayout) {
		return false
	}
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return false
	}
	return d.Format(DateLayout) == s
}

// FormatDisplayDate renders a canonical date as DD/MM/YYYY. Values that are
// not canonical dates are returned unchanged.
func FormatDisplayDate(s string) string {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return s
	}
	return d.Format(DisplayDateLayout)
}
