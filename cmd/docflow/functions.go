package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/docflow/events"
	"github.com/c360studio/docflow/procedure"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/sam"
)

// registerFunctions installs the platform's built-in procedure functions.
// Functions with side effects carry the flag so the executor writes the
// governance log event before invoking them.
func registerFunctions(reg *procedure.Registry, bus *events.Bus, q *queue.Service, summarizer *sam.Summarizer, logger *slog.Logger) error {
	fns := []*procedure.Function{
		{
			Name:        "log_message",
			Description: "Write a message to the run log",
			Exposure:    procedure.Exposure{Procedure: true, API: true},
			Handler: func(_ context.Context, call procedure.Call) (*procedure.FunctionResult, error) {
				msg, _ := call.Params["message"].(string)
				logger.Info("Procedure message", "run_id", call.RunID, "message", msg)
				return procedure.Completed(map[string]any{"message": msg}), nil
			},
		},
		{
			Name:        "emit_event",
			Description: "Emit a domain event onto the event bus",
			SideEffects: true,
			Exposure:    procedure.Exposure{Procedure: true},
			Handler: func(ctx context.Context, call procedure.Call) (*procedure.FunctionResult, error) {
				name, _ := call.Params["event"].(string)
				if name == "" {
					return procedure.Failed("emit_event requires an event name"), nil
				}
				payload, _ := call.Params["payload"].(map[string]any)
				result, err := bus.Dispatch(ctx, name, call.OrganizationID, payload, call.RunID)
				if err != nil {
					return nil, err
				}
				return procedure.Completed(map[string]any{
					"procedures_triggered": len(result.ProceduresTriggered),
					"pipelines_triggered":  len(result.PipelinesTriggered),
				}), nil
			},
		},
		{
			Name:        "queue_extraction",
			Description: "Enqueue an extraction run for an asset",
			SideEffects: true,
			Exposure:    procedure.Exposure{Procedure: true, API: true},
			Handler: func(ctx context.Context, call procedure.Call) (*procedure.FunctionResult, error) {
				assetID, _ := call.Params["asset_id"].(string)
				if assetID == "" {
					return procedure.Failed("queue_extraction requires asset_id"), nil
				}
				r, status, err := q.QueueExtractionForAsset(ctx, assetID)
				if err != nil {
					return nil, err
				}
				data := map[string]any{"status": string(status)}
				if r != nil {
					data["run_id"] = r.ID
				}
				return procedure.Completed(data), nil
			},
		},
		{
			Name:        "summarize_opportunity",
			Description: "Generate an LLM summary for a SAM solicitation",
			SideEffects: true,
			Exposure:    procedure.Exposure{Procedure: true},
			Handler: func(ctx context.Context, call procedure.Call) (*procedure.FunctionResult, error) {
				number, _ := call.Params["solicitation_number"].(string)
				if number == "" {
					return procedure.Failed("summarize_opportunity requires solicitation_number"), nil
				}
				force, _ := call.Params["force"].(bool)
				sol, err := summarizer.Summarize(ctx, call.OrganizationID, number, force)
				if err != nil {
					return procedure.Failed("summarising %s: %v", number, err), nil
				}
				return procedure.Completed(map[string]any{
					"solicitation_number": sol.SolicitationNumber,
					"summary":             sol.Summary,
				}), nil
			},
		},
	}

	for _, fn := range fns {
		if err := reg.Register(fn); err != nil {
			return fmt.Errorf("register %s: %w", fn.Name, err)
		}
	}
	return nil
}
