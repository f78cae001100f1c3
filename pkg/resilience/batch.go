package resilience

import "context"

// BatchOperation is one named call in ExecuteBatch. Name doubles as the breaker key.
type BatchOperation struct {
	Name   string
	Fields map[string]any
	Run    func(ctx context.Context) (any, error)
}

// BatchResult collects per-name outcomes. Skipped lists operations never started
// because traversal stopped on an earlier failure.
type BatchResult struct {
	Results map[string]any
	Errors  map[string]error
	Skipped []string
}

// Failed reports whether any operation failed.
func (result BatchResult) Failed() bool {
	return len(result.Errors) > 0
}

// ExecuteBatch runs each operation through Do, in order. With stopOnFirstError the
// traversal halts at the first failure; earlier successes are kept.
func (executor *Executor) ExecuteBatch(ctx context.Context, operations []BatchOperation, policy RetryPolicy, stopOnFirstError bool) BatchResult {
	result := BatchResult{
		Results: make(map[string]any, len(operations)),
		Errors:  make(map[string]error),
	}
	for index, operation := range operations {
		run := operation.Run
		if run == nil {
			run = func(context.Context) (any, error) { return nil, nil }
		}
		value, err := Execute(ctx, executor, operation.Name, operation.Fields, policy, run)
		if err != nil {
			result.Errors[operation.Name] = err
			if stopOnFirstError {
				for _, skipped := range operations[index+1:] {
					result.Skipped = append(result.Skipped, skipped.Name)
				}
				return result
			}
			continue
		}
		result.Results[operation.Name] = value
	}
	return result
}
