package job

import (
	"context"
	"fmt"
	"plugin"
)

// loadPlugin opens a Go plugin and looks up a task symbol. The symbol may be
// a function with the Func signature or a variable of type Func.
func loadPlugin(path, symbol string) (Func, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin: %w", err)
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to look up symbol: %w", err)
	}

	switch fn := sym.(type) {
	case func(context.Context, []any, map[string]any) error:
		return fn, nil
	case *Func:
		return *fn, nil
	case *func(context.Context, []any, map[string]any) error:
		return *fn, nil
	}
	return nil, fmt.Errorf("symbol %s has type %T, not a task function", symbol, sym)
}
