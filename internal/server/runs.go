package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowledger/internal/domain"
	"flowledger/internal/ledger"
	"flowledger/internal/ledger/auth"
)

func registerRuns(api huma.API, led ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/pipelines/{pipeline_uuid}/runs",
		Summary:       "Create pipeline run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		PipelineUUID string           `path:"pipeline_uuid"`
		Body         CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, auth.OpRunCreate)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := validateRunInputsShape(rawBodyMap(ctx)); err != nil {
			return nil, err
		}
		inputs := make([]domain.PipelineRunInput, 0, len(input.Body.Inputs))
		for _, in := range input.Body.Inputs {
			inputs = append(inputs, domain.PipelineRunInput{Filename: in.Name, URL: in.URL})
		}
		run, err := led.CreateRun(ctx, input.PipelineUUID, inputs, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_uuid}/runs",
		Summary:     "List pipeline runs",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PipelineUUID string `path:"pipeline_uuid"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, auth.OpRunList); authErr != nil {
			return nil, authErr
		}
		runs, err := led.ListRuns(ctx, input.PipelineUUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_uuid}",
		Summary:     "Get run",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunUUID string `path:"run_uuid"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, auth.OpRunGet); authErr != nil {
			return nil, authErr
		}
		run, err := led.GetRun(ctx, input.RunUUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-console",
		Method:      http.MethodGet,
		Path:        "/runs/{run_uuid}/console",
		Summary:     "Get run console output",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunUUID string `path:"run_uuid"`
	}) (*struct {
		Body RunOutputResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, auth.OpRunOutputGet); authErr != nil {
			return nil, authErr
		}
		out, err := led.GetRunOutput(ctx, input.RunUUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunOutputResponse `json:"body"`
		}{Body: RunOutputResponse{StdOut: out.StdOut, StdErr: out.StdErr}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "update-run-console",
		Method:        http.MethodPut,
		Path:          "/runs/{run_uuid}/console",
		Summary:       "Overwrite run console output",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunUUID string                 `path:"run_uuid"`
		Body    UpdateRunOutputRequest `json:"body"`
	}) (*struct{}, error) {
		principal, authErr := requireRole(ctx, auth.OpRunOutputSet)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := led.UpdateRunOutput(ctx, input.RunUUID, input.Body.StdOut, input.Body.StdErr, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-run-state",
		Method:      http.MethodPut,
		Path:        "/runs/{run_uuid}/state",
		Summary:     "Append run state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunUUID string                `path:"run_uuid"`
		Body    AppendRunStateRequest `json:"body"`
	}) (*struct {
		Body RunStateResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, auth.OpRunStateSet)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.State == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "state is required", nil)
		}
		st, err := led.AppendRunState(ctx, input.RunUUID, input.Body.State, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunStateResponse `json:"body"`
		}{Body: RunStateResponse{State: st.Name, CreatedAt: st.CreatedAt}}, nil
	})
}

// validateRunInputsShape rejects malformed input records before the ledger is
// consulted: inputs must be a list of objects carrying exactly name and url.
func validateRunInputsShape(body map[string]json.RawMessage) huma.StatusError {
	raw, ok := body["inputs"]
	if !ok {
		return nil
	}
	if isNullRaw(raw) {
		return newAPIError(http.StatusBadRequest, "bad_request", "inputs must be array", map[string]any{"field": "inputs", "reason": "must be array"})
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return newAPIError(http.StatusBadRequest, "bad_request", "inputs must be array", map[string]any{"field": "inputs", "reason": "must be array"})
	}
	for i, rec := range records {
		if _, ok := rec["name"]; !ok {
			return newAPIError(http.StatusBadRequest, "bad_request", "every input needs a name and a url", map[string]any{"index": i, "field": "name"})
		}
		if _, ok := rec["url"]; !ok {
			return newAPIError(http.StatusBadRequest, "bad_request", "every input needs a name and a url", map[string]any{"index": i, "field": "url"})
		}
		for key := range rec {
			if key != "name" && key != "url" {
				return newAPIError(http.StatusBadRequest, "bad_request", "unexpected input field "+key, map[string]any{"index": i, "field": key})
			}
		}
	}
	return nil
}
