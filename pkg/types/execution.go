package types

// ErrorCategory classifies why a dispatched task ended in failure. It rides
// on ExecutionResult as a value; transport and execution failures are never
// raised as Go errors across component boundaries (spec.md §7).
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = ""
	ErrorConnection         ErrorCategory = "connection_error"
	ErrorTimeout            ErrorCategory = "timeout_error"
	ErrorExecution          ErrorCategory = "execution_error"
)

// ExecutionResult is produced by the device transport for one dispatched
// task. It is always a value, never an exception, per spec.md §4.3.
type ExecutionResult struct {
	TaskID        string
	Status        TaskStatus
	Result        map[string]any
	Error         string
	DeviceID      string
	Disconnected  bool
	ErrorCategory ErrorCategory
}

// Failed builds a FAILED ExecutionResult carrying the given category.
func Failed(taskID, deviceID, errMsg string, category ErrorCategory) ExecutionResult {
	return ExecutionResult{
		TaskID:        taskID,
		Status:        TaskFailed,
		Error:         errMsg,
		DeviceID:      deviceID,
		Disconnected:  category == ErrorConnection,
		ErrorCategory: category,
	}
}

// Succeeded builds a COMPLETED ExecutionResult.
func Succeeded(taskID, deviceID string, result map[string]any) ExecutionResult {
	return ExecutionResult{
		TaskID:   taskID,
		Status:   TaskCompleted,
		Result:   result,
		DeviceID: deviceID,
	}
}
