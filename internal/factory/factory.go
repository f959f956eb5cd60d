// Package factory expands data fields and operator catalogs into candidate
// factor expressions for each mining stage.
package factory

import (
	"fmt"
	"iter"
	"strings"
)

type FieldType string

const (
	Matrix FieldType = "MATRIX"
	Vector FieldType = "VECTOR"
	Scalar FieldType = "SCALAR"
	Group  FieldType = "GROUP"
)

type Field struct {
	Id   string
	Type FieldType
}

// Candidate is one expression ready to simulate.
type Candidate struct {
	Expression string
	Decay      int
}

type Limits struct {
	MaxDepth  int
	MaxLength int
}

type Factory struct {
	catalog     Catalog
	limits      Limits
	decay       int
	involutions map[string]bool
	idempotent  map[string]bool
}

// New deduplicates every catalog list, so distinct inputs always produce distinct forms.
func New(catalog Catalog, limits Limits, decay int) *Factory {
	catalog = catalog.compact()
	f := &Factory{
		catalog:     catalog,
		limits:      limits,
		decay:       decay,
		involutions: make(map[string]bool),
		idempotent:  make(map[string]bool),
	}
	for _, op := range catalog.Involutions {
		f.involutions[op] = true
	}
	for _, op := range catalog.Idempotent {
		f.idempotent[op] = true
	}
	return f
}

func (f *Factory) Catalog() Catalog {
	return f.catalog
}

// Stage returns the candidate sequence of one stage. Stage 1 reads fields,
// stages 2 and 3 read the surviving parent expressions of the previous stage.
func (f *Factory) Stage(stage int, fields []Field, parents []string) iter.Seq[Candidate] {
	switch stage {
	case 1:
		return f.FirstOrder(fields)
	case 2:
		return f.GroupSecondOrder(parents)
	case 3:
		return f.TradeWhen(parents)
	default:
		return func(func(Candidate) bool) {}
	}
}

// Estimate is the number of raw forms Stage would produce before pruning, computed
// without expanding the sequence. It is an upper bound on what Stage yields.
func (f *Factory) Estimate(stage int, fields []Field, parents []string) int64 {
	parents = uniq(parents)
	switch stage {
	case 1:
		perBase := int64(1)
		for _, op := range f.catalog.FirstOrderOps() {
			perBase += int64(len(f.wrap(op, "x")))
		}
		return int64(len(f.Bases(fields))) * perBase
	case 2:
		var perParent int64
		for _, op := range f.catalog.Group {
			perParent += int64(len(f.groupWrap(op, "x")))
		}
		return int64(len(parents)) * perParent
	case 3:
		if f.catalog.TradeWhen == "" {
			return 0
		}
		return int64(len(parents) * len(f.catalog.OpenEvents) * len(f.catalog.ExitEvents))
	}
	return 0
}

// Bases turns fields into the wrapped inputs first-order ops are applied to.
// MATRIX fields are preprocessed, VECTOR fields are reduced first, others are dropped.
func (f *Factory) Bases(fields []Field) []string {
	var bases []string
	for _, field := range fields {
		switch field.Type {
		case Matrix:
			bases = append(bases, f.preprocess(field.Id))
		case Vector:
			for _, reduced := range f.reduce(field.Id) {
				bases = append(bases, f.preprocess(reduced))
			}
		}
	}
	return uniq(bases)
}

func (f *Factory) preprocess(expr string) string {
	if f.catalog.Preprocess == "" {
		return expr
	}
	return fmt.Sprintf(f.catalog.Preprocess, expr)
}

func (f *Factory) reduce(field string) []string {
	var out []string
	for _, op := range f.catalog.Vec {
		if op == "vec_choose" {
			out = append(out, fmt.Sprintf("%s(%s, nth=-1)", op, field), fmt.Sprintf("%s(%s, nth=0)", op, field))
			continue
		}
		out = append(out, fmt.Sprintf("%s(%s)", op, field))
	}
	return out
}

// FirstOrder yields each base followed by every op applied to it.
func (f *Factory) FirstOrder(fields []Field) iter.Seq[Candidate] {
	bases := f.Bases(fields)
	ops := f.catalog.FirstOrderOps()
	return f.emit(func(yield func(string) bool) {
		for _, base := range bases {
			if !yield(base) {
				return
			}
			for _, op := range ops {
				for _, expr := range f.wrap(op, base) {
					if !yield(expr) {
						return
					}
				}
			}
		}
	})
}

// GroupSecondOrder applies every group op over every group to each parent.
func (f *Factory) GroupSecondOrder(parents []string) iter.Seq[Candidate] {
	parents = uniq(parents)
	return f.emit(func(yield func(string) bool) {
		for _, parent := range parents {
			for _, op := range f.catalog.Group {
				for _, expr := range f.groupWrap(op, parent) {
					if !yield(expr) {
						return
					}
				}
			}
		}
	})
}

// TradeWhen gates each parent with every open and exit event pair.
func (f *Factory) TradeWhen(parents []string) iter.Seq[Candidate] {
	op := f.catalog.TradeWhen
	parents = uniq(parents)
	return f.emit(func(yield func(string) bool) {
		if op == "" {
			return
		}
		for _, parent := range parents {
			for _, open := range f.catalog.OpenEvents {
				if strings.Contains(open, "%s") {
					open = fmt.Sprintf(open, parent)
				}
				for _, exit := range f.catalog.ExitEvents {
					if !yield(fmt.Sprintf("%s(%s, %s, %s)", op, open, parent, exit)) {
						return
					}
				}
			}
		}
	})
}

func (f *Factory) wrap(op, field string) []string {
	switch {
	case op == "ts_percentage":
		return f.tsComp(op, field, "percentage", []any{0.5})
	case op == "ts_decay_exp_window":
		return f.tsComp(op, field, "factor", []any{0.5})
	case op == "ts_moment":
		return f.tsComp(op, field, "k", []any{2, 3, 4})
	case op == "ts_entropy":
		return f.tsComp(op, field, "buckets", []any{10})
	case strings.HasPrefix(op, "ts_") || op == "inst_tvr":
		out := make([]string, 0, len(f.catalog.Days))
		for _, d := range f.catalog.Days {
			out = append(out, fmt.Sprintf("%s(%s, %d)", op, field, d))
		}
		return out
	case strings.HasPrefix(op, "group_"):
		return f.groupWrap(op, field)
	case strings.HasPrefix(op, "vector"):
		out := make([]string, 0, len(f.catalog.Vectors))
		for _, v := range f.catalog.Vectors {
			out = append(out, fmt.Sprintf("%s(%s, %s)", op, field, v))
		}
		return out
	case op == "signed_power":
		return []string{fmt.Sprintf("%s(%s, 2)", op, field)}
	default:
		return []string{fmt.Sprintf("%s(%s)", op, field)}
	}
}

func (f *Factory) tsComp(op, field, name string, paras []any) []string {
	out := make([]string, 0, len(f.catalog.Days)*len(paras))
	for _, d := range f.catalog.Days {
		for _, p := range paras {
			switch v := p.(type) {
			case float64:
				out = append(out, fmt.Sprintf("%s(%s, %d, %s=%.1f)", op, field, d, name, v))
			case int:
				out = append(out, fmt.Sprintf("%s(%s, %d, %s=%d)", op, field, d, name, v))
			}
		}
	}
	return out
}

func (f *Factory) groupWrap(op, field string) []string {
	var out []string
	for _, g := range f.catalog.Groups {
		switch {
		case strings.HasPrefix(op, "group_vector"):
			for _, v := range f.catalog.Vectors {
				out = append(out, fmt.Sprintf("%s(%s,%s,densify(%s))", op, field, v, g))
			}
		case strings.HasPrefix(op, "group_percentage"):
			out = append(out, fmt.Sprintf("%s(%s,densify(%s),percentage=0.5)", op, field, g))
		default:
			out = append(out, fmt.Sprintf("%s(%s,densify(%s))", op, field, g))
		}
	}
	return out
}

// emit applies limits and prune to a raw expression stream. It holds no per-expression
// state; a form that still repeats is caught by the expression store.
func (f *Factory) emit(raw iter.Seq[string]) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for expr := range raw {
			if !f.Accept(expr) {
				continue
			}
			if !yield(Candidate{Expression: expr, Decay: f.decay}) {
				return
			}
		}
	}
}

// Accept reports whether expr passes the length, depth and degeneracy rules.
func (f *Factory) Accept(expr string) bool {
	if f.limits.MaxLength > 0 && len(expr) > f.limits.MaxLength {
		return false
	}
	if f.limits.MaxDepth > 0 && depth(expr) > f.limits.MaxDepth {
		return false
	}
	return !f.degenerate(expr)
}

// degenerate flags an involution applied to itself, an idempotent op applied twice,
// or the same group op applied twice over the same group.
func (f *Factory) degenerate(expr string) bool {
	outer, args, ok := parseCall(expr)
	if !ok || len(args) == 0 {
		return false
	}
	inner, innerArgs, ok := parseCall(args[0])
	if !ok || inner != outer {
		return false
	}
	if f.involutions[outer] || f.idempotent[outer] {
		return true
	}
	if strings.HasPrefix(outer, "group_") && len(args) > 1 && len(innerArgs) > 1 {
		return groupArg(args) == groupArg(innerArgs)
	}
	return false
}

func groupArg(args []string) string {
	for _, a := range args[1:] {
		if strings.HasPrefix(a, "densify(") {
			return a
		}
	}
	return args[len(args)-1]
}

// Count drains seq and returns how many candidates it yields.
func Count(seq iter.Seq[Candidate]) int {
	n := 0
	for range seq {
		n++
	}
	return n
}

func uniq[T comparable](in []T) []T {
	if len(in) < 2 {
		return in
	}
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
