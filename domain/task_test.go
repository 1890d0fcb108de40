package domain

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesOrderAndDueDate(t *testing.T) {
	task := Task{ID: 1, Name: "Write code", Cost: 0, DueDate: "2025-03-01", Order: 1}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	for _, want := range []string{`"order":1`, `"due_date":"2025-03-01"`, `"cost":0`} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("expected %s in payload, got %s", want, payload)
		}
	}
}

func TestTaskInputValidate(t *testing.T) {
	tests := []struct {
		name      string
		in        TaskInput
		wantField string
	}{
		{name: "valid", in: TaskInput{Name: "a", Cost: 10, DueDate: "2025-01-31"}},
		{name: "zero cost", in: TaskInput{Name: "a", Cost: 0, DueDate: "2025-01-31"}},
		{name: "missing name", in: TaskInput{Cost: 1, DueDate: "2025-01-31"}, wantField: "name"},
		{name: "negative cost", in: TaskInput{Name: "a", Cost: -0.01, DueDate: "2025-01-31"}, wantField: "cost"},
		{name: "nan cost", in: TaskInput{Name: "a", Cost: math.NaN(), DueDate: "2025-01-31"}, wantField: "cost"},
		{name: "missing date", in: TaskInput{Name: "a", Cost: 1}, wantField: "due_date"},
		{name: "impossible date", in: TaskInput{Name: "a", Cost: 1, DueDate: "2025-02-30"}, wantField: "due_date"},
		{name: "day first date", in: TaskInput{Name: "a", Cost: 1, DueDate: "31/01/2025"}, wantField: "due_date"},
		{name: "short date", in: TaskInput{Name: "a", Cost: 1, DueDate: "2025-1-31"}, wantField: "due_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			var de *Error
			if !errors.As(err, &de) || de.Field != tt.wantField {
				t.Fatalf("expected field %q, got %#v", tt.wantField, err)
			}
		})
	}
}

func TestTaskInputNormalize(t *testing.T) {
	in := TaskInput{Name: "  padded ", DueDate: " 2025-01-01 "}.Normalize()
	if in.Name != "padded" || in.DueDate != "2025-01-01" {
		t.Fatalf("unexpected normalized input: %#v", in)
	}
}

func TestFormatDisplayDate(t *testing.T) {
	if got := FormatDisplayDate("2025-03-09"); got != "09/03/2025" {
		t.Fatalf("unexpected display date: %s", got)
	}
	if got := FormatDisplayDate("garbage"); got != "garbage" {
		t.Fatalf("expected passthrough for invalid date, got %s", got)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("disk gone")
	err := StorageFailure("delete task", cause)
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("expected storage failure kind")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("storage failure must not match not found")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be unwrapped")
	}
	var de *Error
	if !errors.As(err, &de) || de.Message() != "delete task failed" {
		t.Fatalf("unexpected message: %#v", err)
	}

	conflict := Conflict("name", MsgNameInUse, nil)
	if !errors.Is(conflict, ErrConstraintViolation) || conflict.Error() != MsgNameInUse {
		t.Fatalf("unexpected conflict error: %v", conflict)
	}
	if !errors.Is(NotFound(7), ErrNotFound) {
		t.Fatalf("expected not found kind")
	}
}
