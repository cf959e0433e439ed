package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures StreamCSV.
type CSVOptions struct {
	Delimiter rune // default ','
}

// CSVStream is a CSV file whose header has been read and whose data rows
// arrive on Rows. Err is valid once Rows is closed.
type CSVStream struct {
	Header []string
	Rows   <-chan []string
	errCh  <-chan error
}

// Err waits for the reader to finish and returns its error, if any.
func (s *CSVStream) Err() error {
	return <-s.errCh
}

// StreamCSV reads the header row synchronously and streams the remaining
// rows in the background. Header names are trimmed and a leading UTF-8 byte
// order mark is dropped. An empty input yields a nil header and no rows.
// Callers must drain Rows.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*CSVStream, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1

	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)
	stream := &CSVStream{Rows: rowCh, errCh: errCh}

	header, err := reader.Read()
	switch {
	case err == io.EOF:
		close(rowCh)
		close(errCh)
		return stream, nil
	case err != nil:
		return nil, eris.Wrap(err, "fetcher: read csv header")
	}
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		header[i] = strings.TrimSpace(h)
	}
	stream.Header = header

	go func() {
		defer close(rowCh)
		defer close(errCh)
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "fetcher: csv cancelled")
				return
			}
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "fetcher: read csv row")
				return
			}
			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "fetcher: csv cancelled")
				return
			}
		}
	}()
	return stream, nil
}
