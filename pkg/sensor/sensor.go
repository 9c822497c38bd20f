// Package sensor provides the reading sources a device samples on every tick.
package sensor

import (
	"context"
	"errors"
	"fmt"
)

// Values maps a reading name to its value.
type Values map[string]float64

type Source interface {
	Read(ctx context.Context) (Values, error)
}

// ReadError is a transient sensor fault: the reading is skipped and tried
// again on the next tick.
type ReadError struct {
	Sensor string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("sensor %s: read failed: %v", e.Sensor, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a ReadError.
func IsTransient(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}
