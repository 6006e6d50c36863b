package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/conorfennell/agenda/internal/domain"
)

// Record is a free-form structured value held in a collection.
type Record map[string]any

// now is replaced in tests.
var now = time.Now

// Timestamp formats t the way record date fields are stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Create adds rec to collection and returns the new key. Outside the
// settings collection, missing date and createdAt fields are set to the
// current time first. rec itself is not modified.
func (h *Handle) Create(ctx context.Context, collection string, rec Record) (any, error) {
	value := make(Record, len(rec)+2)
	for k, v := range rec {
		value[k] = v
	}
	if collection != domain.Settings {
		stamp := Timestamp(now())
		if isBlank(value[domain.FieldDate]) {
			value[domain.FieldDate] = stamp
		}
		if isBlank(value[domain.FieldCreatedAt]) {
			value[domain.FieldCreatedAt] = stamp
		}
	}
	return h.Run(ctx, collection, ReadWrite, func(c *Collection) *Request {
		return c.Add(value)
	})
}

// ReadAll returns every record of collection in key order.
func (h *Handle) ReadAll(ctx context.Context, collection string) ([]Record, error) {
	res, err := h.Run(ctx, collection, ReadOnly, func(c *Collection) *Request {
		return c.GetAll()
	})
	if err != nil {
		return nil, err
	}
	return res.([]Record), nil
}

// ReadRange returns the records whose date lies within [from, to], oldest
// first. Dates compare as strings, so both bounds should use the Timestamp
// layout; a date-only upper bound such as 2024-01-31 covers that whole day.
// Empty bounds are open.
func (h *Handle) ReadRange(ctx context.Context, collection, from, to string) ([]Record, error) {
	var lower, upper any
	if from != "" {
		lower = from
	}
	if to != "" {
		upper = endOfDay(to)
	}
	res, err := h.Run(ctx, collection, ReadOnly, func(c *Collection) *Request {
		return c.GetAllByIndex(domain.FieldDate, lower, upper)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Record), nil
}

// ReadOne returns the record stored under key, or (nil, nil) if there is none.
func (h *Handle) ReadOne(ctx context.Context, collection string, key any) (Record, error) {
	res, err := h.Run(ctx, collection, ReadOnly, func(c *Collection) *Request {
		return c.Get(key)
	})
	if err != nil || res == nil {
		return nil, err
	}
	return res.(Record), nil
}

// Update stores rec under its key, creating or overwriting it.
func (h *Handle) Update(ctx context.Context, collection string, rec Record) (any, error) {
	return h.Run(ctx, collection, ReadWrite, func(c *Collection) *Request {
		return c.Put(rec)
	})
}

// Delete removes the record under key. A missing key is not an error.
func (h *Handle) Delete(ctx context.Context, collection string, key any) error {
	_, err := h.Run(ctx, collection, ReadWrite, func(c *Collection) *Request {
		return c.Delete(key)
	})
	return err
}

// Clear removes every record of collection.
func (h *Handle) Clear(ctx context.Context, collection string) error {
	_, err := h.Run(ctx, collection, ReadWrite, func(c *Collection) *Request {
		c.Clear()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	return nil
}

// endOfDay extends a date-only bound to the last millisecond of that day.
func endOfDay(bound string) string {
	if _, err := time.Parse(time.DateOnly, bound); err != nil {
		return bound
	}
	return bound + "T23:59:59.999Z"
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
