package domain

// Role values a credential can resolve to. Clients submit pipelines and runs;
// workers report execution progress back.
const (
	RoleClient = "client"
	RoleWorker = "worker"
)

type Pipeline struct {
	RowID            int64  `json:"-"`
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	DockerImageURL   string `json:"docker_image_url"`
	RepositorySSHURL string `json:"repository_ssh_url"`
	RepositoryBranch string `json:"repository_branch"`
	Deleted          bool   `json:"-"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type PipelineRun struct {
	RowID         int64              `json:"-"`
	PipelineRowID int64              `json:"-"`
	UUID          string             `json:"uuid"`
	Sequence      int64              `json:"sequence"`
	StdOut        string             `json:"std_out,omitempty"`
	StdErr        string             `json:"std_err,omitempty"`
	Inputs        []PipelineRunInput `json:"inputs"`
	States        []PipelineRunState `json:"states"`
	CreatedAt     string             `json:"created_at" format:"date-time"`
}

type PipelineRunInput struct {
	Filename string `json:"name"`
	URL      string `json:"url"`
}

type PipelineRunState struct {
	Name      string `json:"state"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RunStateType is a catalog row; immutable reference data.
type RunStateType struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        int    `json:"code"`
}

type RunOutput struct {
	StdOut string `json:"std_out"`
	StdErr string `json:"std_err"`
}

type APIKey struct {
	ID        string `json:"id"`
	Role      string `json:"role" enum:"client,worker"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
