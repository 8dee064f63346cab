package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cauldron/internal/app"
	"cauldron/internal/config"
	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/engine/auth"
	"cauldron/internal/logging"
	"cauldron/internal/repo"
	"cauldron/internal/server"
	"cauldron/internal/worker"
	cauldronsdk "cauldron/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "cauldron",
	Short: "Cauldron analytics coordinator",
	Long: `Cauldron turns project definitions into a pool of collection intentions
and coordinates the workers that fetch, enrich and export repository data.
- Projects group repositories from git, GitHub, GitLab, Meetup and StackExchange.
- Intentions are units of work; they wait on dependencies, get leased by a
  worker, and end up archived as done, failed or superseded.
- serve runs the HTTP API, the background tick and the webhook dispatcher.
- worker runs jobs, in process against the workspace or remotely via --remote.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAULDRON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("as", 0, "act as this user id (0 is the system user)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(intentionCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() int64 {
	return viper.GetInt64("as")
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.JWTSecret, Logger: a.Log},
					Log:      a.Log.Named("http"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Log.Info("serving API", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					tickLoop(gctx, a.Engine, a.Config.Scheduler.Tick, a.Log)
					return nil
				})
				g.Go(func() error {
					server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Log.Named("webhooks")).Run(gctx)
					return nil
				})
				for i := 0; i < workers; i++ {
					w := worker.FromConfig(a.Config, a.Engine, "", a.Log.Named("worker"))
					g.Go(func() error { return w.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 0, "in-process workers to run alongside the API")
	return cmd
}

func tickLoop(ctx context.Context, e engine.Engine, every time.Duration, log *zap.Logger) {
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Warn("tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func workerCmd() *cobra.Command {
	var remote, token, id string
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker against the workspace or a remote API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if remote == "" {
				return withApp(ctx, func(ctx context.Context, a *app.App) error {
					return runWorker(ctx, worker.FromConfig(a.Config, a.Engine, id, a.Log.Named("worker")), once)
				})
			}
			if token == "" {
				token = viper.GetString("worker_token")
			}
			if token == "" {
				return fmt.Errorf("--token is required with --remote; mint one with cauldron token mint --role worker")
			}
			cfg, err := config.LoadOptional(config.Path(viper.GetString("workspace")))
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer log.Sync()
			client := cauldronsdk.New(remote, token)
			return runWorker(ctx, worker.FromConfig(cfg, client, id, log.Named("worker")), once)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "API base URL, e.g. http://host:8080/v0")
	cmd.Flags().StringVar(&token, "token", "", "bearer token with the worker role")
	cmd.Flags().StringVar(&id, "id", "", "worker id (random when empty)")
	cmd.Flags().BoolVar(&once, "once", false, "run at most one job and exit")
	_ = viper.BindEnv("worker_token")
	return cmd
}

func runWorker(ctx context.Context, w *worker.Worker, once bool) error {
	if !once {
		return w.Run(ctx)
	}
	ran, err := w.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !ran {
		fmt.Println("nothing ready")
	}
	return nil
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one scheduler tick: reclaim dead jobs, auto refresh, retry provisioning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Tick(ctx)
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Owner", "Autorefresh", "Provision", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatorID, p.Autorefresh, p.ProvisionState, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a project owned by --as",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if actor() == auth.System {
					return fmt.Errorf("--as is required: projects belong to a user")
				}
				p, err := a.Engine.CreateProject(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	})
	prj.AddCommand(projectAddRepoCmd())
	prj.AddCommand(&cobra.Command{
		Use:   "refresh PROJECT_ID",
		Short: "Queue a full refresh of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RefreshProject(ctx, actor(), id)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "status PROJECT_ID",
		Short: "Show per-repository collection status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.ProjectStatus(ctx, actor(), id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("%s: %s (outdated=%t)\n", sum.Project.Name, sum.Status, sum.Outdated)
				tw := newTable("Repo", "Backend", "URL", "Status")
				for _, r := range sum.Repositories {
					tw.AppendRow(table.Row{r.Repository.ID, r.Repository.Backend, r.Repository.URL, r.Status})
				}
				tw.Render()
				return nil
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "delete PROJECT_ID",
		Short: "Delete a project and its intentions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteProject(ctx, actor(), id)
			})
		},
	})
	return prj
}

func projectAddRepoCmd() *cobra.Command {
	var backend, instance string
	var forks bool
	cmd := &cobra.Command{
		Use:   "add-repo PROJECT_ID INPUT",
		Short: "Add a repository or owner to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.AddRepoToProject(ctx, engine.AddRepoOptions{
					ProjectID:    id,
					UserID:       actor(),
					Backend:      domain.Backend(backend),
					Input:        args[1],
					Instance:     instance,
					IncludeForks: forks,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&backend, "backend", string(domain.BackendGit), "git, github, gitlab, meetup or stackexchange")
	cmd.Flags().StringVar(&instance, "instance", "", "GitLab instance slug")
	cmd.Flags().BoolVar(&forks, "forks", false, "include forks when expanding an owner")
	return cmd
}

func intentionCmd() *cobra.Command {
	it := &cobra.Command{Use: "intention", Short: "Inspect the intention pool"}
	var f repo.IntentionFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List live intentions with their derived state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.VisibleIntentions(ctx, actor(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Project", "Repo", "State", "Retries", "Depends on")
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.Kind, v.ProjectID, v.RepoID, v.State, v.Retries, joinIDs(v.DependsOn)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&f.ProjectID, "project", 0, "project id")
	list.Flags().Int64Var(&f.RepoID, "repo", 0, "repository id")
	list.Flags().StringVar(&f.Status, "status", "", "pending or running")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	it.AddCommand(list)

	var af repo.ArchiveFilter
	archive := &cobra.Command{
		Use:   "archive",
		Short: "List archived intentions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.VisibleArchive(ctx, actor(), af)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	archive.Flags().Int64Var(&af.ProjectID, "project", 0, "project id")
	archive.Flags().Int64Var(&af.RepoID, "repo", 0, "repository id")
	archive.Flags().IntVar(&af.Limit, "limit", 50, "maximum rows")
	it.AddCommand(archive)
	return it
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	var admin bool
	create := &cobra.Command{
		Use:   "create USERNAME",
		Short: "Create a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.CreateUser(ctx, args[0], admin)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	create.Flags().BoolVar(&admin, "admin", false, "grant admin rights")
	usr.AddCommand(create)
	usr.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.Users(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Username", "Admin", "Created")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.IsAdmin, u.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	usr.AddCommand(&cobra.Command{
		Use:   "admin USER_ID",
		Short: "Grant admin rights to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.UpgradeUserToAdmin(ctx, actor(), id)
			})
		},
	})
	usr.AddCommand(&cobra.Command{
		Use:   "merge SOURCE_ID TARGET_ID",
		Short: "Merge one account into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parseID(args[0])
			if err != nil {
				return err
			}
			dst, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.MergeAccount(ctx, actor(), src, dst)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	})
	return usr
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Provider tokens and API bearer tokens"}
	var backend, secret, refresh string
	add := &cobra.Command{
		Use:   "add",
		Short: "Store a provider token for --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.AddToken(ctx, actor(), backend, secret, refresh)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	add.Flags().StringVar(&backend, "backend", "", "token backend (github, gitlab:<slug>, meetup, stackexchange, twitter)")
	add.Flags().StringVar(&secret, "secret", "", "token secret")
	add.Flags().StringVar(&refresh, "refresh", "", "refresh secret")
	_ = add.MarkFlagRequired("backend")
	_ = add.MarkFlagRequired("secret")
	tok.AddCommand(add)

	var user int64
	var roles []string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, r := range roles {
					if r != server.RoleWorker && r != server.RoleGateway {
						return fmt.Errorf("unknown role %q", r)
					}
				}
				if user == auth.System && len(roles) == 0 {
					return fmt.Errorf("a token without --user is a service token and needs --role")
				}
				if user != auth.System {
					if _, _, err := a.Engine.Me(ctx, user); err != nil {
						return err
					}
				}
				signed, err := server.SignToken(a.JWTSecret, user, roles, ttl)
				if err != nil {
					return err
				}
				fmt.Println(signed)
				return nil
			})
		},
	}
	mint.Flags().Int64Var(&user, "user", 0, "subject user id (0 for service tokens)")
	mint.Flags().StringSliceVar(&roles, "role", nil, "extra roles: worker, gateway")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	tok.AddCommand(mint)
	return tok
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default cauldron.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate cauldron.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(config.Path(viper.GetString("workspace"))); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	})
	return cfg
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(s, &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
