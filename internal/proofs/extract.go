package proofs

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

var balanceAliases = []string{"AccountBalance", "balance", "miles", "points", "mileageBalance"}

// Keys under which proof payloads carry their extracted parameter map.
var parameterMapKeys = []string{"extractedParameters", "extractedParameterValues", "paramValues"}

const maxExtractDepth = 8

// ExtractBalance finds the account balance in an untrusted proof document. It tries, in
// order: a direct numeric field, a top-level parameter map, a JSON encoded "context", a
// JSON encoded "parameters", an array of sub-proofs and a nested "proofs" array.
// It returns 0 when nothing matches.
func ExtractBalance(raw []byte) float64 {
	doc, ok := decode(raw)
	if !ok {
		return 0
	}
	return extract(doc, 0)
}

func extract(doc any, depth int) float64 {
	if depth > maxExtractDepth {
		return 0
	}

	switch v := doc.(type) {
	case []any:
		return firstPositive(v, depth)
	case map[string]any:
		return extractFromObject(v, depth)
	default:
		return 0
	}
}

func extractFromObject(doc map[string]any, depth int) float64 {
	// (a)
	for _, alias := range balanceAliases {
		if n, ok := doc[alias].(json.Number); ok {
			if f := parseNumeric(n); f > 0 {
				return f
			}
		}
	}

	// (b)
	if f := fromParameterMaps(doc); f > 0 {
		return f
	}

	claim := doc
	if nested, ok := doc["claimData"].(map[string]any); ok {
		claim = nested
	}

	// (c)
	if f := fromEncoded(claim["context"]); f > 0 {
		return f
	}
	if f := fromEncoded(doc["context"]); f > 0 {
		return f
	}

	// (d)
	if f := fromEncoded(claim["parameters"]); f > 0 {
		return f
	}
	if f := fromEncoded(doc["parameters"]); f > 0 {
		return f
	}

	// (e)
	for _, key := range []string{"subProofs", "claims"} {
		if list, ok := doc[key].([]any); ok {
			if f := firstPositive(list, depth); f > 0 {
				return f
			}
		}
	}

	// (f)
	if list, ok := doc["proofs"].([]any); ok {
		return firstPositive(list, depth)
	}

	return 0
}

func firstPositive(list []any, depth int) float64 {
	for _, item := range list {
		if f := extract(item, depth+1); f > 0 {
			return f
		}
	}
	return 0
}

func fromParameterMaps(doc map[string]any) float64 {
	for _, key := range parameterMapKeys {
		if params, ok := doc[key].(map[string]any); ok {
			if f := fromAliases(params); f > 0 {
				return f
			}
		}
	}
	return 0
}

// fromEncoded handles a sub-field that holds a JSON document as a string, or the
// already-decoded object.
func fromEncoded(v any) float64 {
	var obj map[string]any
	switch field := v.(type) {
	case string:
		doc, ok := decode([]byte(field))
		if !ok {
			return 0
		}
		if obj, ok = doc.(map[string]any); !ok {
			return 0
		}
	case map[string]any:
		obj = field
	default:
		return 0
	}

	if f := fromAliases(obj); f > 0 {
		return f
	}
	return fromParameterMaps(obj)
}

func fromAliases(params map[string]any) float64 {
	for _, alias := range balanceAliases {
		if f := parseNumeric(params[alias]); f > 0 {
			return f
		}
	}
	return 0
}

func decode(raw []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	return doc, true
}

// parseNumeric normalizes a loosely formatted number such as "8,030 miles". Anything that
// cannot be parsed yields 0.
func parseNumeric(v any) float64 {
	f, _ := toNumber(v)
	return f
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		return parseStripped(n.String())
	case string:
		return parseStripped(n)
	default:
		return 0, false
	}
}

func parseStripped(s string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
