package join

import "fmt"

// JoinError reports a feature table that does not fit the selected strategy.
// Column names the missing or offending column when there is one.
type JoinError struct {
	Strategy Strategy
	Column   string
	Err      error
}

func (e *JoinError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("join: %s: column %q: %v", e.Strategy, e.Column, e.Err)
	}
	return fmt.Sprintf("join: %s: %v", e.Strategy, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}
