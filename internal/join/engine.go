// Package join merges feature tables into the school table. A join is chosen
// per feature table: by school identifier, by nearest centroid, by summing
// rows contained in each school buffer, or by a single intersecting area.
// Every join except the inner identifier join keeps one row per school.
package join

import (
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/table"
)

// Options configures an Engine.
type Options struct {
	// PreserveUnmatched keeps schools without a matching row in identifier
	// joins, with null features. The default inner join drops them.
	PreserveUnmatched bool
}

// Request describes one feature table join.
type Request struct {
	Name     string
	Strategy Strategy
	// Numeric and Categorical list the feature columns to prepare and join.
	// When both are nil they are inferred from column kinds.
	Numeric     []string
	Categorical []string
}

// Result is the outcome of a join.
type Result struct {
	Schools  *table.Table
	Strategy Strategy
	Features []string
	Dropped  int
}

// Engine runs joins against the school table. It holds no per-join state.
type Engine struct {
	opts Options
	log  *zap.Logger
}

// NewEngine creates a join engine.
func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts, log: zap.L().With(zap.String("component", "join"))}
}

// Resolve returns the concrete strategy for a feature table.
func Resolve(s Strategy, features *table.Table) Strategy {
	if features.Has(table.KeyColumn) {
		return Identifier
	}
	if s == Auto || s == Identifier {
		return Nearest
	}
	return s
}

// Join prepares features and merges them into schools. A feature table with
// no rows leaves schools unchanged.
func (e *Engine) Join(schools, features *table.Table, req Request) (*Result, error) {
	if features == nil || features.Len() == 0 {
		e.log.Info("join: empty feature table, nothing to join", zap.String("feature", req.Name))
		return &Result{Schools: schools, Strategy: req.Strategy}, nil
	}

	strategy := Resolve(req.Strategy, features)
	numeric, categorical := req.Numeric, req.Categorical
	if numeric == nil && categorical == nil {
		numeric, categorical = InferFeatures(features)
	}

	prepared, cols, err := Prepare(features, numeric, categorical)
	if err != nil {
		return nil, withStrategy(err, strategy)
	}

	var out *table.Table
	switch strategy {
	case Identifier:
		out, err = ByIdentifier(schools, prepared, cols, e.opts.PreserveUnmatched)
	case Nearest:
		out, err = ByNearest(schools, prepared, cols)
	case Containment:
		out, err = ByContainment(schools, prepared, cols)
	case Intersection:
		out, err = ByIntersection(schools, prepared, cols)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{
		Schools:  out,
		Strategy: strategy,
		Features: cols,
		Dropped:  schools.Len() - out.Len(),
	}
	if res.Dropped > 0 {
		e.log.Warn("join: schools without a match were dropped",
			zap.String("feature", req.Name),
			zap.Int("dropped", res.Dropped),
		)
	}
	e.log.Info("join: features added",
		zap.String("feature", req.Name),
		zap.Stringer("strategy", strategy),
		zap.Int("columns", len(cols)),
		zap.Int("schools", out.Len()),
	)
	return res, nil
}

func withStrategy(err error, s Strategy) error {
	var je *JoinError
	if errors.As(err, &je) && je.Strategy == Auto {
		je.Strategy = s
	}
	return err
}
