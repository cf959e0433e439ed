package join

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Strategy selects how a feature table is attached to the school table.
type Strategy int

const (
	// Auto picks Identifier when the feature table carries the school key,
	// otherwise Nearest.
	Auto Strategy = iota
	Identifier
	Nearest
	Containment
	Intersection
)

var strategyNames = map[Strategy]string{
	Auto:         "auto",
	Identifier:   "identifier",
	Nearest:      "nearest",
	Containment:  "containment",
	Intersection: "intersection",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStrategy converts a configured name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, v := range strategyNames {
		if v == s {
			return k, nil
		}
	}
	return Auto, eris.Errorf("join: unknown strategy %q", s)
}
