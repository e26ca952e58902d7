package types

import "encoding/json"

// Notification is a broker-initiated message fanned out to every connected
// client. The set of variants is closed: ExecutionStarted, Output,
// StatusChange, InputRequest.
type Notification interface {
	// Method returns the wire name of the notification.
	Method() string
}

// ExecutionStarted announces that an execution was dispatched to a kernel.
type ExecutionStarted struct {
	TaskID      string `json:"task_id"`
	KernelMsgID string `json:"kernel_msg_id"`
}

func (ExecutionStarted) Method() string { return "execution_started" }

// OutputKind classifies Output notifications.
type OutputKind string

const (
	OutputStream  OutputKind = "stream"
	OutputDisplay OutputKind = "display"
	OutputResult  OutputKind = "result"
	OutputError   OutputKind = "error"
)

// Output carries one kernel output message, in per-execution arrival order.
type Output struct {
	TaskID  string          `json:"task_id"`
	Kind    OutputKind      `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (Output) Method() string { return "output" }

// StatusChange announces a status transition for an execution.
type StatusChange struct {
	TaskID string          `json:"task_id"`
	Status ExecutionStatus `json:"status"`
}

func (StatusChange) Method() string { return "status" }

// InputRequest is emitted when a kernel asks for interactive input. Clients
// answer with the submit_input operation.
type InputRequest struct {
	NotebookKey string `json:"notebook_key"`
	Prompt      string `json:"prompt"`
	IsPassword  bool   `json:"is_password"`
	SecretKey   string `json:"secret_key,omitempty"`
}

func (InputRequest) Method() string { return "input_request" }

// OutputKindForFrame maps a kernel output frame type onto the client-facing
// output kind. Frames that are not outputs map to "".
func OutputKindForFrame(t FrameType) OutputKind {
	switch t {
	case FrameStream:
		return OutputStream
	case FrameDisplay:
		return OutputDisplay
	case FrameResult:
		return OutputResult
	case FrameError:
		return OutputError
	}
	return ""
}
