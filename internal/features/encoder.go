package features

import (
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// knownNumerical are declared to every derived expression, on top of the schema's own.
var knownNumerical = []string{
	domain.FeatureAge,
	domain.FeatureRiskScore,
	domain.FeatureTextSignal,
	domain.FeatureAmount,
	domain.FeatureLogAmount,
	domain.FeatureHourOfDay,
	domain.FeatureDayOfWeek,
}

var knownCategorical = []string{
	domain.FeatureEmailDomain,
	domain.FeatureStatus,
	domain.FeatureDocumentType,
}

// Encoder lays a FeatureVector out in the column order of one schema.
// It is built once per artifact and is safe for concurrent use.
type Encoder struct {
	schema  domain.FeatureSchema
	derived []compiledDerived
}

type compiledDerived struct {
	name    string
	program cel.Program
}

// Row is an encoded record before scaling.
// Numeric covers schema.NumericWidth() columns; Missing flags null cells in it.
type Row struct {
	Numeric []float64
	Missing []bool
	OneHot  []float64
}

// Scaler standardizes the numeric block of a Row.
type Scaler interface {
	Transform(row []float64, missing []bool) ([]float64, error)
}

// Vector scales the numeric block and appends the one-hot block.
func (r Row) Vector(s Scaler) ([]float64, error) {
	scaled, err := s.Transform(r.Numeric, r.Missing)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(scaled)+len(r.OneHot))
	out = append(out, scaled...)
	out = append(out, r.OneHot...)
	return out, nil
}

// NewEncoder compiles the schema's derived expressions.
// Expressions see every numerical feature as a double, every categorical
// feature as a string, earlier derived features, and the whole vector as
// the map "features" (for has() checks).
func NewEncoder(schema domain.FeatureSchema) (*Encoder, error) {
	opts := []cel.EnvOption{
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
	}
	declared := map[string]bool{"features": true}
	declare := func(name string, t *cel.Type) {
		if declared[name] {
			return
		}
		declared[name] = true
		opts = append(opts, cel.Variable(name, t))
	}

	for _, n := range knownNumerical {
		declare(n, cel.DoubleType)
	}
	for _, n := range schema.Numerical {
		declare(n, cel.DoubleType)
	}
	for _, n := range knownCategorical {
		declare(n, cel.StringType)
	}
	for _, c := range schema.Categorical {
		declare(c.Name, cel.StringType)
	}
	for _, d := range schema.Derived {
		declare(d.Name, cel.DoubleType)
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	enc := &Encoder{schema: schema}
	for _, d := range schema.Derived {
		ast, issues := env.Compile(d.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: derived feature %s: %v", domain.ErrValidation, d.Name, issues.Err())
		}

		out := ast.OutputType()
		if out != cel.BoolType && out != cel.DoubleType && out != cel.IntType && out != cel.DynType {
			return nil, fmt.Errorf("%w: derived feature %s must return bool, int, or double, got %s",
				domain.ErrValidation, d.Name, out)
		}

		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for derived feature %s: %w", d.Name, err)
		}
		enc.derived = append(enc.derived, compiledDerived{name: d.Name, program: prg})
	}

	return enc, nil
}

// Schema returns the schema the encoder was built for.
func (e *Encoder) Schema() domain.FeatureSchema {
	return e.schema
}

// Encode lays fv out in schema order. A schema feature absent from fv is
// ErrFeatureSchema. Null numerics and failed derived evaluations are
// reported in Row.Missing. An out-of-vocabulary category leaves its block zero.
func (e *Encoder) Encode(fv domain.FeatureVector) (Row, error) {
	width := e.schema.NumericWidth()
	row := Row{
		Numeric: make([]float64, width),
		Missing: make([]bool, width),
	}

	for i, name := range e.schema.Numerical {
		v, ok, present := fv.Numeric(name)
		if !present {
			return Row{}, fmt.Errorf("%w: required feature %q absent", domain.ErrFeatureSchema, name)
		}
		if !ok {
			row.Missing[i] = true
			continue
		}
		row.Numeric[i] = v
	}

	for _, c := range e.schema.Categorical {
		if _, present := fv.Categorical[c.Name]; !present {
			return Row{}, fmt.Errorf("%w: required feature %q absent", domain.ErrFeatureSchema, c.Name)
		}
	}

	if len(e.derived) > 0 {
		activation := e.activation(fv)
		offset := len(e.schema.Numerical)
		for i, d := range e.derived {
			v, ok := evalDerived(d.program, activation)
			if !ok {
				row.Missing[offset+i] = true
				continue
			}
			row.Numeric[offset+i] = v
			activation[d.name] = v
			activation["features"].(map[string]any)[d.name] = v
		}
	}

	for _, c := range e.schema.Categorical {
		value := fv.Categorical[c.Name]
		for _, vocab := range c.Vocabulary {
			if vocab == value {
				row.OneHot = append(row.OneHot, 1)
			} else {
				row.OneHot = append(row.OneHot, 0)
			}
		}
	}

	return row, nil
}

func (e *Encoder) activation(fv domain.FeatureVector) map[string]any {
	all := make(map[string]any, len(fv.Numerical)+len(fv.Categorical))
	act := map[string]any{"features": all}

	for name, p := range fv.Numerical {
		if p == nil {
			continue
		}
		all[name] = *p
		act[name] = *p
	}
	for name, v := range fv.Categorical {
		all[name] = v
		act[name] = v
	}
	return act
}

func evalDerived(prg cel.Program, activation map[string]any) (float64, bool) {
	out, _, err := prg.Eval(activation)
	if err != nil {
		return 0, false
	}
	v, ok := toFloat(out)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// toFloat converts a CEL value to a numeric column value.
func toFloat(val ref.Val) (float64, bool) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0, true
		}
		return 0.0, true
	case types.Double:
		return float64(v), true
	case types.Int:
		return float64(v), true
	case types.Uint:
		return float64(v), true
	default:
		return 0, false
	}
}
