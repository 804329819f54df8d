package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowledger/internal/ledger"
	"flowledger/internal/ledger/auth"
)

func registerPipelines(api huma.API, led ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create pipeline",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, auth.OpPipelineCreate)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := led.CreatePipeline(ctx, ledger.PipelineCreateOptions{
			Name:             input.Body.Name,
			Description:      input.Body.Description,
			DockerImageURL:   input.Body.DockerImageURL,
			RepositorySSHURL: input.Body.RepositorySSHURL,
			RepositoryBranch: input.Body.RepositoryBranch,
			ActorID:          principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: pipelineResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PipelineResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, auth.OpPipelineList); authErr != nil {
			return nil, authErr
		}
		items, err := led.ListPipelines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PipelineResponse `json:"body"`
		}{Body: mapPipelines(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_uuid}",
		Summary:     "Get pipeline",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PipelineUUID string `path:"pipeline_uuid"`
	}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, auth.OpPipelineGet); authErr != nil {
			return nil, authErr
		}
		p, err := led.GetPipeline(ctx, input.PipelineUUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: pipelineResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-pipeline",
		Method:        http.MethodDelete,
		Path:          "/pipelines/{pipeline_uuid}",
		Summary:       "Delete pipeline",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PipelineUUID string `path:"pipeline_uuid"`
	}) (*struct{}, error) {
		principal, authErr := requireRole(ctx, auth.OpPipelineDelete)
		if authErr != nil {
			return nil, authErr
		}
		if err := led.DeletePipeline(ctx, input.PipelineUUID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
