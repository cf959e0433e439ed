package geometry

import "fmt"

// GeometryError reports malformed input geometry or coordinates. Column and
// Row locate the offending cell when the input was tabular; Row is -1 when
// unknown.
type GeometryError struct {
	Column string
	Row    int
	Err    error
}

func (e *GeometryError) Error() string {
	switch {
	case e.Column != "" && e.Row >= 0:
		return fmt.Sprintf("geometry: column %q row %d: %v", e.Column, e.Row, e.Err)
	case e.Column != "":
		return fmt.Sprintf("geometry: column %q: %v", e.Column, e.Err)
	default:
		return fmt.Sprintf("geometry: %v", e.Err)
	}
}

func (e *GeometryError) Unwrap() error {
	return e.Err
}

// At returns a copy of e located at the given column and row.
func (e *GeometryError) At(column string, row int) *GeometryError {
	return &GeometryError{Column: column, Row: row, Err: e.Err}
}
