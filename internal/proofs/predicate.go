package proofs

import (
	"fmt"
	"strconv"
)

// Op compares an extracted value against a predicate threshold.
type Op string

const (
	OpGreaterOrEqual Op = ">="
	OpEqual          Op = "="
	OpGreater        Op = ">"
)

// Predicate is a claim about one numeric field of a response document.
type Predicate struct {
	Field string  `json:"field"`
	Op    Op      `json:"op"`
	Value float64 `json:"value"`
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Field, p.Op, strconv.FormatFloat(p.Value, 'f', -1, 64))
}

// Evaluate applies the predicate to data[Field]. Missing or non-numeric fields and unknown
// operators are never satisfied.
func (p Predicate) Evaluate(data map[string]any) bool {
	got, ok := toNumber(data[p.Field])
	if !ok {
		return false
	}

	switch p.Op {
	case OpGreaterOrEqual:
		return got >= p.Value
	case OpEqual:
		return got == p.Value
	case OpGreater:
		return got > p.Value
	default:
		return false
	}
}
