package types

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is final. Terminal statuses never
// transition again.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Execution is the atomic unit of work: one code fragment submitted for a
// notebook, tracked end-to-end by its client-chosen TaskID.
type Execution struct {
	TaskID       string          `json:"task_id"`
	NotebookKey  string          `json:"notebook_key"`
	CellIndex    int             `json:"cell_index"` // -1 for internal executions
	Source       string          `json:"source"`
	Status       ExecutionStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Retries      int             `json:"retries"`

	// Seq is the store-assigned insertion sequence, used as a tiebreak
	// when restoring rows that share a created_at timestamp.
	Seq uint64 `json:"seq"`
}

// AssetLease protects an offloaded output blob from premature deletion.
// An asset with any unexpired lease is never deleted.
type AssetLease struct {
	AssetPath    string    `json:"asset_path"`
	NotebookKey  string    `json:"notebook_key"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen"`
	LeaseExpires time.Time `json:"lease_expires"`
}

// KernelSpec describes a fully resolved interpreter to launch. Environment
// discovery happens elsewhere; the broker only receives the result.
type KernelSpec struct {
	Command string            `json:"command"` // executable plus arguments, shell-quoted
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// SessionInfo is the broker's external view of one live kernel session.
type SessionInfo struct {
	NotebookKey      string    `json:"notebook_key"`
	StartedAt        time.Time `json:"started_at"`
	KernelPID        int       `json:"kernel_pid,omitempty"`
	Status           string    `json:"status"`
	MaxExecutedIndex int       `json:"max_executed_index"`
}

// FrameType classifies messages on the kernel wire.
type FrameType string

const (
	// Broker -> kernel request types
	FrameExecute  FrameType = "execute"
	FrameCancel   FrameType = "cancel"
	FrameInput    FrameType = "input"
	FramePing     FrameType = "ping"
	FrameShutdown FrameType = "shutdown"

	// Kernel -> broker output types
	FrameStream       FrameType = "stream"
	FrameDisplay      FrameType = "display"
	FrameResult       FrameType = "result"
	FrameError        FrameType = "error"
	FrameStatus       FrameType = "status"
	FrameInputRequest FrameType = "input_request"
	FramePong         FrameType = "pong"
)

// Request is a framed message from the broker to a kernel. MsgID is minted
// per request; the kernel echoes it as ParentID on every resulting output.
type Request struct {
	MsgID  string    `json:"msg_id"`
	Type   FrameType `json:"type"`
	Code   string    `json:"code,omitempty"`   // execute
	Target string    `json:"target,omitempty"` // cancel: msg id of the execution to kill
	Value  string    `json:"value,omitempty"`  // input reply
}

// Frame is one output message from a kernel, routed by ParentID.
type Frame struct {
	ParentID string          `json:"parent_id"`
	Type     FrameType       `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// IdleStatus is the payload state value that marks an execution finished.
const IdleStatus = "idle"

// StatusPayload is the payload of a FrameStatus frame.
type StatusPayload struct {
	State string `json:"state"`
}

// ErrorPayload is the payload of a FrameError frame.
type ErrorPayload struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// InputRequestPayload is the payload of a FrameInputRequest frame.
type InputRequestPayload struct {
	Prompt     string `json:"prompt"`
	IsPassword bool   `json:"is_password"`
	SecretKey  string `json:"secret_key,omitempty"`
}

// Idle reports whether the frame is the terminal idle status for its parent.
func (f *Frame) Idle() bool {
	if f.Type != FrameStatus {
		return false
	}
	var p StatusPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return false
	}
	return p.State == IdleStatus
}
