package sources

import (
	"errors"
	"fmt"

	"github.com/sells-group/schoolmap/internal/resilience"
)

// Sentinel causes carried by SourceUnavailableError.
var (
	ErrRateLimited   = errors.New("rate limited by provider")
	ErrInvalidToken  = errors.New("access token rejected")
	ErrInvalidAcct   = errors.New("ad account rejected")
	ErrNoLocations   = errors.New("school locations are required")
	ErrUnknownRegion = errors.New("country not offered by provider")
)

// SourceUnavailableError reports that a source could not produce its table:
// the remote fetch failed or the payload could not be parsed. Transient is
// set when a later attempt may succeed.
type SourceUnavailableError struct {
	Source    string
	Country   string
	Err       error
	Transient bool
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("sources: %s unavailable for %s: %v", e.Source, e.Country, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// Temporary lets resilience.IsTransient defer to the loader's judgement.
func (e *SourceUnavailableError) Temporary() bool {
	return e.Transient
}

// unavailable wraps err for source and country, classifying it with
// resilience.IsTransient. An error that is already a SourceUnavailableError
// is returned unchanged.
func unavailable(source, country string, err error) error {
	if err == nil {
		return nil
	}
	var sue *SourceUnavailableError
	if errors.As(err, &sue) {
		return err
	}
	return &SourceUnavailableError{
		Source:    source,
		Country:   country,
		Err:       err,
		Transient: errors.Is(err, ErrRateLimited) || resilience.IsTransient(err),
	}
}
