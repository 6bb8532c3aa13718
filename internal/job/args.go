package job

import (
	"fmt"
	"reflect"

	"github.com/cuongbtq/taskq/internal/domain"
)

// NormalizeArgs accepts nil or any slice or array and returns it as []any
func NormalizeArgs(args any) ([]any, error) {
	if args == nil {
		return []any{}, nil
	}
	if a, ok := args.([]any); ok {
		return append([]any{}, a...), nil
	}

	v := reflect.ValueOf(args)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: args must be a sequence, got %T", domain.ErrInvalidArguments, args)
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out, nil
}

// NormalizeKwargs accepts nil or a map with string keys and returns it as
// map[string]any
func NormalizeKwargs(kwargs any) (map[string]any, error) {
	if kwargs == nil {
		return map[string]any{}, nil
	}
	if m, ok := kwargs.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}

	v := reflect.ValueOf(kwargs)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: kwargs must be a string-keyed mapping, got %T", domain.ErrInvalidArguments, kwargs)
	}
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, nil
}
