// Package builtins implements the engine's built-in tool set (calculator,
// current-time, convert-time) as small explicit Go types rather than a
// reflection-driven dispatcher (spec design note 4.9).
package builtins

import (
	"fmt"
	"strconv"
	"time"

	"github.com/square-key-labs/strawgo-ai/internal/engine"
)

// Registrar is the subset of *engine.Engine builtins need to register
// themselves; kept narrow so this package doesn't need the whole engine type
// in its exported surface.
type Registrar interface {
	RegisterBuiltin(name, description string, parameters interface{}, handler engine.ToolHandler)
}

// RegisterAll wires calculator, current_time, and convert_time onto e.
// Must be called before Engine.Initialize.
func RegisterAll(e Registrar) {
	registerCalculator(e)
	registerCurrentTime(e)
	registerConvertTime(e)
}

func registerCalculator(e Registrar) {
	e.RegisterBuiltin(
		"calculator",
		"Evaluate a simple four-function arithmetic expression of two numbers, e.g. add 12 and 7.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"operation": map[string]interface{}{
					"type": "string",
					"enum": []string{"add", "subtract", "multiply", "divide"},
				},
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []string{"operation", "a", "b"},
		},
		func(args map[string]interface{}) (interface{}, bool, func(), error) {
			op, _ := args["operation"].(string)
			a, err1 := toFloat(args["a"])
			b, err2 := toFloat(args["b"])
			if err1 != nil || err2 != nil {
				return map[string]string{"status": "error", "error": "a and b must be numbers"}, true, nil, nil
			}

			var result float64
			switch op {
			case "add":
				result = a + b
			case "subtract":
				result = a - b
			case "multiply":
				result = a * b
			case "divide":
				if b == 0 {
					return map[string]string{"status": "error", "error": "division by zero"}, true, nil, nil
				}
				result = a / b
			default:
				return map[string]string{"status": "error", "error": fmt.Sprintf("unknown operation %q", op)}, true, nil, nil
			}

			return map[string]interface{}{"status": "ok", "result": result}, true, nil, nil
		},
	)
}

func registerCurrentTime(e Registrar) {
	e.RegisterBuiltin(
		"current_time",
		"Get the current date and time in UTC.",
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(args map[string]interface{}) (interface{}, bool, func(), error) {
			now := time.Now().UTC()
			return map[string]interface{}{
				"status": "ok",
				"iso8601": now.Format(time.RFC3339),
				"unix":    now.Unix(),
			}, true, nil, nil
		},
	)
}

func registerConvertTime(e Registrar) {
	e.RegisterBuiltin(
		"convert_time",
		"Convert a time expressed in one IANA timezone to another.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"time":          map[string]interface{}{"type": "string", "description": "RFC3339 timestamp"},
				"from_timezone": map[string]interface{}{"type": "string"},
				"to_timezone":   map[string]interface{}{"type": "string"},
			},
			"required": []string{"time", "from_timezone", "to_timezone"},
		},
		func(args map[string]interface{}) (interface{}, bool, func(), error) {
			raw, _ := args["time"].(string)
			fromTZ, _ := args["from_timezone"].(string)
			toTZ, _ := args["to_timezone"].(string)

			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return map[string]string{"status": "error", "error": "time must be RFC3339"}, true, nil, nil
			}
			from, err := time.LoadLocation(fromTZ)
			if err != nil {
				return map[string]string{"status": "error", "error": fmt.Sprintf("unknown from_timezone %q", fromTZ)}, true, nil, nil
			}
			to, err := time.LoadLocation(toTZ)
			if err != nil {
				return map[string]string{"status": "error", "error": fmt.Sprintf("unknown to_timezone %q", toTZ)}, true, nil, nil
			}

			converted := t.In(from).In(to)
			return map[string]interface{}{"status": "ok", "converted": converted.Format(time.RFC3339)}, true, nil, nil
		},
	)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
