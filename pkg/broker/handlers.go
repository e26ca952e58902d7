package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stokerhq/stoker/pkg/types"
)

// Handle dispatches one named client operation. Implements api.Handler.
func (b *Broker) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "submit_execution":
		return b.submitExecution(ctx, params)
	case "cancel_execution":
		return b.cancelExecution(ctx, params)
	case "execution_status":
		return b.executionStatus(params)
	case "list_active_sessions":
		return b.listActiveSessions()
	case "interrupt_kernel":
		return b.interruptKernel(params)
	case "shutdown_kernel":
		return b.shutdownKernel(ctx, params)
	case "submit_input":
		return b.submitInput(ctx, params)
	case "prune_unused_assets":
		return b.pruneUnusedAssets(params)
	case "fetch_asset":
		return b.fetchAsset(params)
	case "cleanup_completed":
		return b.cleanupCompleted(params)
	}
	return nil, badRequest("unknown method %q", method)
}

// badRequest tags a client error for the wire.
func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrBadRequest, fmt.Sprintf(format, args...))
}

func decode(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return badRequest("params are required")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return badRequest("malformed params: %v", err)
	}
	return nil
}

type submitParams struct {
	TaskID      string `json:"task_id"`
	NotebookKey string `json:"notebook_key"`
	CellIndex   *int   `json:"cell_index"`
	Source      string `json:"source"`
}

func (b *Broker) submitExecution(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p submitParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.NotebookKey == "" {
		return nil, badRequest("notebook_key is required")
	}
	if p.Source == "" {
		return nil, badRequest("source is required")
	}
	// Clients may bring their own id for dedup; absent one is minted here.
	if p.TaskID == "" {
		p.TaskID = uuid.New().String()
	}

	// Absent cell index means an internal execution, outside the document.
	cellIndex := -1
	if p.CellIndex != nil {
		cellIndex = *p.CellIndex
	}

	err := b.scheduler.Submit(ctx, types.Execution{
		TaskID:      p.TaskID,
		NotebookKey: p.NotebookKey,
		CellIndex:   cellIndex,
		Source:      p.Source,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"task_id": p.TaskID,
		"status":  types.StatusPending,
	}, nil
}

type taskParams struct {
	TaskID string `json:"task_id"`
}

func (b *Broker) cancelExecution(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p taskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, badRequest("task_id is required")
	}
	if err := b.scheduler.Cancel(ctx, p.TaskID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": p.TaskID}, nil
}

func (b *Broker) executionStatus(params json.RawMessage) (interface{}, error) {
	var p taskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, badRequest("task_id is required")
	}

	exec, err := b.scheduler.Status(p.TaskID)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{"execution": exec}
	if outputs, ok := b.scheduler.Outputs(p.TaskID); ok {
		result["outputs"] = outputs
	}
	return result, nil
}

func (b *Broker) listActiveSessions() (interface{}, error) {
	sessions := b.supervisor.List()
	for i := range sessions {
		sessions[i].MaxExecutedIndex = b.scheduler.MaxExecutedIndex(sessions[i].NotebookKey)
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

type notebookParams struct {
	NotebookKey string `json:"notebook_key"`
}

func (b *Broker) interruptKernel(params json.RawMessage) (interface{}, error) {
	var p notebookParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.NotebookKey == "" {
		return nil, badRequest("notebook_key is required")
	}
	if err := b.supervisor.Interrupt(p.NotebookKey); err != nil {
		return nil, err
	}
	return map[string]interface{}{"notebook_key": p.NotebookKey}, nil
}

func (b *Broker) shutdownKernel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p notebookParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.NotebookKey == "" {
		return nil, badRequest("notebook_key is required")
	}
	if err := b.supervisor.Shutdown(ctx, p.NotebookKey, b.cfg.ShutdownGrace); err != nil {
		return nil, err
	}
	return map[string]interface{}{"notebook_key": p.NotebookKey}, nil
}

type inputParams struct {
	NotebookKey string `json:"notebook_key"`
	Value       string `json:"value"`
}

func (b *Broker) submitInput(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p inputParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.NotebookKey == "" {
		return nil, badRequest("notebook_key is required")
	}

	h, ok := b.supervisor.Get(p.NotebookKey)
	if !ok {
		return nil, fmt.Errorf("%w: no kernel for %s", types.ErrKernelUnavailable, p.NotebookKey)
	}
	if _, err := h.Send(ctx, types.Request{Type: types.FrameInput, Value: p.Value}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"notebook_key": p.NotebookKey}, nil
}

type pruneParams struct {
	NotebookKey string   `json:"notebook_key"`
	Referenced  []string `json:"referenced"`
	DryRun      bool     `json:"dry_run"`
}

func (b *Broker) pruneUnusedAssets(params json.RawMessage) (interface{}, error) {
	var p pruneParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.NotebookKey == "" {
		return nil, badRequest("notebook_key is required")
	}

	report, err := b.assets.Prune(p.NotebookKey, p.Referenced, p.DryRun)
	if err != nil {
		return nil, err
	}
	if !p.DryRun {
		for _, deleted := range report.Deleted {
			b.fetcher.Invalidate(deleted)
		}
	}
	return report, nil
}

type fetchParams struct {
	AssetPath   string `json:"asset_path"`
	NotebookKey string `json:"notebook_key"`
}

func (b *Broker) fetchAsset(params json.RawMessage) (interface{}, error) {
	var p fetchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.AssetPath == "" {
		return nil, badRequest("asset_path is required")
	}
	return b.fetcher.Fetch(p.AssetPath, p.NotebookKey)
}

type cleanupParams struct {
	AgeHours int `json:"age_hours"`
}

func (b *Broker) cleanupCompleted(params json.RawMessage) (interface{}, error) {
	var p cleanupParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.AgeHours <= 0 {
		return nil, badRequest("age_hours must be positive")
	}

	removed, err := b.CleanupCompleted(time.Duration(p.AgeHours) * time.Hour)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": removed}, nil
}
