package server

import "flowledger/internal/domain"

type CreatePipelineRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	DockerImageURL   string `json:"docker_image_url"`
	RepositorySSHURL string `json:"repository_ssh_url"`
	RepositoryBranch string `json:"repository_branch"`
}

type PipelineResponse struct {
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	DockerImageURL   string `json:"docker_image_url"`
	RepositorySSHURL string `json:"repository_ssh_url"`
	RepositoryBranch string `json:"repository_branch"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type RunInputRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type CreateRunRequest struct {
	Inputs []RunInputRequest `json:"inputs,omitempty"`
}

type RunInputResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type RunStateResponse struct {
	State     string `json:"state"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	UUID      string             `json:"uuid"`
	Sequence  int64              `json:"sequence"`
	StdOut    string             `json:"std_out,omitempty"`
	StdErr    string             `json:"std_err,omitempty"`
	Inputs    []RunInputResponse `json:"inputs"`
	States    []RunStateResponse `json:"states"`
	CreatedAt string             `json:"created_at" format:"date-time"`
}

type RunOutputResponse struct {
	StdOut string `json:"std_out"`
	StdErr string `json:"std_err"`
}

type UpdateRunOutputRequest struct {
	StdOut string `json:"std_out"`
	StdErr string `json:"std_err"`
}

type AppendRunStateRequest struct {
	State string `json:"state"`
}

func pipelineResponse(p domain.Pipeline) PipelineResponse {
	return PipelineResponse{
		UUID:             p.UUID,
		Name:             p.Name,
		Description:      p.Description,
		DockerImageURL:   p.DockerImageURL,
		RepositorySSHURL: p.RepositorySSHURL,
		RepositoryBranch: p.RepositoryBranch,
		CreatedAt:        p.CreatedAt,
	}
}

func mapPipelines(items []domain.Pipeline) []PipelineResponse {
	res := []PipelineResponse{}
	for _, p := range items {
		res = append(res, pipelineResponse(p))
	}
	return res
}

func runResponse(r domain.PipelineRun) RunResponse {
	inputs := []RunInputResponse{}
	for _, in := range r.Inputs {
		inputs = append(inputs, RunInputResponse{Name: in.Filename, URL: in.URL})
	}
	states := []RunStateResponse{}
	for _, st := range r.States {
		states = append(states, RunStateResponse{State: st.Name, CreatedAt: st.CreatedAt})
	}
	return RunResponse{
		UUID:      r.UUID,
		Sequence:  r.Sequence,
		StdOut:    r.StdOut,
		StdErr:    r.StdErr,
		Inputs:    inputs,
		States:    states,
		CreatedAt: r.CreatedAt,
	}
}

func mapRuns(items []domain.PipelineRun) []RunResponse {
	res := []RunResponse{}
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}
