package spatial

import (
	"errors"
	"fmt"
)

// ErrEmptyIndex is returned when an index is built from no centroids.
var ErrEmptyIndex = errors.New("empty input")

// IndexError reports a failure to build or query a spatial index.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("spatial: %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}
