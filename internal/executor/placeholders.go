// internal/executor/placeholders.go
package executor

import (
	"bytes"
	"encoding/json"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/overmind/internal/mission"
)

// PlaceholderPrefix starts a string input value that refers to a dependency
// result: "@results.<task_key>" or "@results.<task_key>.<field>[.<field>...]".
const PlaceholderPrefix = "@results."

// Numbers are kept as json.Number so substitution never reformats them.
var inputCodec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// ResolvePlaceholders substitutes placeholder strings in the task input with
// values from successful dependency results. Input without placeholders is
// returned unchanged. Unresolvable references are INVALID_INPUT errors.
func ResolvePlaceholders(task mission.Task, plan *mission.Plan) (json.RawMessage, error) {
	const op = "executor.ResolvePlaceholders"
	if !bytes.Contains(task.Input, []byte(PlaceholderPrefix)) {
		return task.Input, nil
	}

	var doc interface{}
	if err := inputCodec.Unmarshal(task.Input, &doc); err != nil {
		return nil, mission.Errorf(mission.CodeInvalidInput, op, "task %q input is not valid JSON: %v", task.Key, err)
	}

	deps := make(map[string]struct{}, len(task.DependsOn))
	for _, d := range task.DependsOn {
		deps[d] = struct{}{}
	}
	results := make(map[string]interface{})

	var walk func(v interface{}) (interface{}, error)
	walk = func(v interface{}) (interface{}, error) {
		switch x := v.(type) {
		case map[string]interface{}:
			for k, child := range x {
				r, err := walk(child)
				if err != nil {
					return nil, err
				}
				x[k] = r
			}
			return x, nil
		case []interface{}:
			for i, child := range x {
				r, err := walk(child)
				if err != nil {
					return nil, err
				}
				x[i] = r
			}
			return x, nil
		case string:
			if !strings.HasPrefix(x, PlaceholderPrefix) {
				return x, nil
			}
			path := strings.Split(strings.TrimPrefix(x, PlaceholderPrefix), ".")
			key := path[0]
			if _, ok := deps[key]; !ok {
				return nil, mission.Errorf(mission.CodeInvalidInput, op, "task %q refers to %q, which is not a dependency", task.Key, key)
			}
			res, ok := results[key]
			if !ok {
				dep := plan.Task(key)
				if dep == nil || dep.Status != mission.TaskSucceeded {
					return nil, mission.Errorf(mission.CodeInvalidInput, op, "task %q refers to %q, which has no result", task.Key, key)
				}
				if err := inputCodec.Unmarshal(dep.Result, &res); err != nil {
					return nil, mission.Errorf(mission.CodeInvalidInput, op, "result of %q is not valid JSON: %v", key, err)
				}
				results[key] = res
			}
			return lookup(res, path[1:], x, op, task.Key)
		default:
			return v, nil
		}
	}

	resolved, err := walk(doc)
	if err != nil {
		return nil, err
	}
	out, err := inputCodec.Marshal(resolved)
	if err != nil {
		return nil, mission.Errorf(mission.CodeInvalidInput, op, "re-encode input of %q: %v", task.Key, err)
	}
	return out, nil
}

func lookup(v interface{}, path []string, ref, op, key string) (interface{}, error) {
	for _, field := range path {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, mission.Errorf(mission.CodeInvalidInput, op, "task %q: %s does not resolve to a value", key, ref)
		}
		if v, ok = obj[field]; !ok {
			return nil, mission.Errorf(mission.CodeInvalidInput, op, "task %q: %s does not resolve to a value", key, ref)
		}
	}
	return v, nil
}
