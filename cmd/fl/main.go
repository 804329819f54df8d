package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowledger/internal/config"
	"flowledger/internal/db"
	"flowledger/internal/domain"
	"flowledger/internal/events"
	"flowledger/internal/ledger"
	"flowledger/internal/migrate"
	"flowledger/internal/repo"
	"flowledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowledger CLI",
	Long: `Flowledger is the system of record for pipeline runs.
- Pipelines describe repeatable work: a docker image plus a git repository and branch.
- Runs record each execution: ordered inputs, an append-only state history, and captured console output.
- Clients register pipelines and trigger runs; workers report output and state through the API.
- Every mutation lands in the event log, view it with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier for the audit trail")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default flowledger.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
		Long:  "Pipelines are the registered definitions runs are recorded against: name, description, docker image, repository and branch.",
	}
	p.AddCommand(pipelineCreateCmd())
	p.AddCommand(pipelineListCmd())
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineDeleteCmd())
	return p
}

func pipelineCreateCmd() *cobra.Command {
	var name, description, image, sshURL, branch string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				p, err := led.CreatePipeline(ctx, ledger.PipelineCreateOptions{
					Name:             name,
					Description:      description,
					DockerImageURL:   image,
					RepositorySSHURL: sshURL,
					RepositoryBranch: branch,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "pipeline name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&image, "docker-image-url", "", "docker image URL")
	cmd.Flags().StringVar(&sshURL, "repository-ssh-url", "", "repository SSH URL")
	cmd.Flags().StringVar(&branch, "repository-branch", "", "repository branch")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func pipelineListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				items, err := led.ListPipelines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"UUID", "Name", "Image", "Branch", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.UUID, p.Name, p.DockerImageURL, p.RepositoryBranch, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <uuid>",
		Short: "Show a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				p, err := led.GetPipeline(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func pipelineDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <uuid>",
		Short: "Soft-delete a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				return led.DeletePipeline(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
		Long:  "Runs are the per-pipeline execution records: sequence numbers, input files, state history, and captured console output.",
	}
	r.AddCommand(runCreateCmd())
	r.AddCommand(runListCmd())
	r.AddCommand(runShowCmd())
	r.AddCommand(runOutputCmd())
	r.AddCommand(runSetStateCmd())
	return r
}

func runCreateCmd() *cobra.Command {
	var inputPairs []string
	cmd := &cobra.Command{
		Use:   "create <pipeline-uuid>",
		Short: "Trigger a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputPairs(inputPairs)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				run, err := led.CreateRun(ctx, args[0], inputs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "run input as name=url (repeatable)")
	return cmd
}

func parseInputPairs(pairs []string) ([]domain.PipelineRunInput, error) {
	inputs := make([]domain.PipelineRunInput, 0, len(pairs))
	for _, pair := range pairs {
		name, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --input %q: expected name=url", pair)
		}
		inputs = append(inputs, domain.PipelineRunInput{Filename: name, URL: url})
	}
	return inputs, nil
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <pipeline-uuid>",
		Short: "List runs of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				runs, err := led.ListRuns(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"UUID", "Seq", "State", "Inputs", "Created"})
				for _, r := range runs {
					state := ""
					if len(r.States) > 0 {
						state = r.States[len(r.States)-1].Name
					}
					tw.AppendRow(table.Row{r.UUID, r.Sequence, state, len(r.Inputs), r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-uuid>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				run, err := led.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runOutputCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "output <run-uuid>",
		Short: "Show captured console output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				out, err := led.GetRunOutput(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println("--- stdout ---")
				fmt.Println(out.StdOut)
				fmt.Println("--- stderr ---")
				fmt.Println(out.StdErr)
				return nil
			})
		},
	}
	return cmd
}

func runSetStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-state <run-uuid> <state>",
		Short: "Append a state to a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				st, err := led.AppendRunState(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func stateCmd() *cobra.Command {
	s := &cobra.Command{Use: "state", Short: "Run-state catalog"}
	s.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalog states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				types, err := led.ListRunStateTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(types)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Code", "Description"})
				for _, t := range types {
					tw.AppendRow(table.Row{t.Name, t.Code, t.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	return s
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys are stored hashed; the plain key is printed once on creation and cannot be recovered.",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != domain.RoleClient && role != domain.RoleWorker {
				return fmt.Errorf("--role must be client or worker")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plain),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "role": key.Role, "key": plain})
				}
				fmt.Printf("Created %s key %s\n", key.Role, key.ID)
				fmt.Printf("API key (store it now, it is not recoverable): %s\n", plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "key role: client or worker")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Role, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Mint bearer tokens"}
	t.AddCommand(tokenCreateCmd())
	return t
}

func tokenCreateCmd() *cobra.Command {
	var role, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a signed HS256 bearer token",
		Long:  "Signs a token with the configured JWT secret (FLOWLEDGER_JWT_SECRET or flowledger.yml). Useful for worker fleets that authenticate with short-lived tokens instead of stored API keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != domain.RoleClient && role != domain.RoleWorker {
				return fmt.Errorf("--role must be client or worker")
			}
			secret := os.Getenv("FLOWLEDGER_JWT_SECRET")
			if secret == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				if cfg != nil {
					secret = cfg.Auth.JWTSecret
				}
			}
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("no JWT secret configured; set FLOWLEDGER_JWT_SECRET or auth.jwt_secret in flowledger.yml")
			}
			now := time.Now()
			claims := struct {
				jwt.RegisteredClaims
				Role string `json:"role"`
			}{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
				Role: role,
			}
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": signed, "role": role, "sub": subject})
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "token role: client or worker")
	cmd.Flags().StringVar(&subject, "sub", "local-admin", "subject claim, recorded as the actor id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of every mutation: pipeline registrations, run creations, output and state reports.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				items, err := events.Latest(ctx, led.DB, evtType, entityKind, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = &config.Config{}
			}
			led := ledger.New(conn, cfg)
			if err := led.SyncStateCatalog(cmd.Context()); err != nil {
				return err
			}
			secret := os.Getenv("FLOWLEDGER_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Listen != "" {
				addr = cfg.Server.Listen
			}
			handler, err := server.New(server.Config{Ledger: led, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Flowledger API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	led := ledger.New(conn, cfg)
	if err := led.SyncStateCatalog(ctx); err != nil {
		return err
	}
	return fn(ctx, led)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
