package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"prototypia/internal/app"
	"prototypia/internal/config"
	"prototypia/internal/db"
	"prototypia/internal/domain"
	"prototypia/internal/repo"
	"prototypia/internal/server"
)

const userEnvKey = "PROTOTYPIA_USER"

var rootCmd = &cobra.Command{
	Use:   "proto",
	Short: "Prototypia CLI",
	Long: `Prototypia walks students through 3D-printing missions.
Core concepts:
- Workspace: the directory holding prototypia.yml, .env and the .prototypia database.
- Mission: a design brief from the catalog with an XP value and an optimal material.
- Attempt: one pass through briefing, ideation, design, parameters, slicing and result.
- Analysis: the simulated print check that scores an attempt; the best score per mission counts toward XP.
- Report: the PDF summary of a successful attempt.
- Event log: audit trail of logins, attempts and progress, view with 'proto log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROTOTYPIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// Variables already in the environment win over .env.
	envPath := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", envPath, err)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "user key or email (defaults to "+userEnvKey+")")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(useCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(materialCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func loginCmd() *cobra.Command {
	var p domain.UserProfile
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Register the student profile and start from zero XP",
		Long:  "Login stores the onboarding profile and resets the user's progress, then selects the user for this workspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, profile, progress, err := a.Engine.Login(ctx, p)
				if err != nil {
					return err
				}
				workspace := viper.GetString("workspace")
				if err := setEnvValue(filepath.Join(workspace, ".env"), userEnvKey, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_key": key, "profile": profile, "progress": progress})
				}
				fmt.Printf("Welcome %s. Set %s=%s in %s/.env\n", profile.Username, userEnvKey, key, workspace)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&p.Username, "username", "", "display name")
	cmd.Flags().StringVar(&p.Email, "email", "", "email address")
	cmd.Flags().StringVar(&p.Major, "major", "", "degree programme")
	cmd.Flags().StringVar(&p.Course, "course", "", "course")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("major")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the current user's profile and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Logout(ctx, key); err != nil {
					return err
				}
				if err := setEnvValue(filepath.Join(viper.GetString("workspace"), ".env"), userEnvKey, ""); err != nil {
					return err
				}
				fmt.Println("Logged out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current profile, XP and mission completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				profile, err := a.Repo.LoadProfile(ctx, key)
				if err != nil {
					return fmt.Errorf("profile for %s: %w", key, err)
				}
				progress, err := a.Repo.LoadProgress(ctx, key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_key": key, "profile": profile, "progress": progress})
				}
				fmt.Printf("%s <%s>\n%s, %s\nXP: %d\n", profile.Username, profile.Email, profile.Major, profile.Course, progress.XP)
				printMissionTable(a.Catalog.Missions(), &progress)
				return nil
			})
		},
	}
}

func useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <user-key|email>",
		Short: "Select the user for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := resolveUser(args[0])
			if key == "" {
				return fmt.Errorf("user is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), userEnvKey, key); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s/.env\n", userEnvKey, key, workspace)
			return nil
		},
	}
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Browse and play missions"}
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionPlayCmd())
	return cmd
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				missions := a.Catalog.Missions()
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				var progress *domain.UserProgress
				if key, err := currentUser(); err == nil {
					if p, err := a.Repo.LoadProgress(ctx, key); err == nil {
						progress = &p
					}
				}
				printMissionTable(missions, progress)
				return nil
			})
		},
	}
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Catalog.Mission(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				printBrief(m)
				return nil
			})
		},
	}
}

func materialCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "material", Short: "Browse printing materials"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List materials and whether the current user owns them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				materials := a.Catalog.Materials()
				if viper.GetBool("json") {
					return printJSON(materials)
				}
				var progress *domain.UserProgress
				if key, err := currentUser(); err == nil {
					if p, err := a.Repo.LoadProgress(ctx, key); err == nil {
						progress = &p
					}
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Properties", "Owned"})
				for _, m := range materials {
					owned := ""
					if progress != nil && progress.HasMaterial(m.ID) {
						owned = "yes"
					}
					tw.AppendRow(table.Row{m.ID, m.Name, m.Properties, owned})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "prototypia.yml tunes scoring, the simulated analysis delay, parameter ranges, asset limits and the locale. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write prototypia.yml with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of logins, attempts, analyses, progress updates and reports.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var all bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			userKey := ""
			if !all {
				key, err := currentUser()
				if err != nil {
					return err
				}
				userKey = key
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Events.Latest(ctx, n, userKey, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&all, "all", false, "show events of every user")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PROTOTYPIA_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PROTOTYPIA_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Assets:   a.Assets,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Prototypia API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// resolveUser accepts either a user key or an email address.
func resolveUser(v string) string {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "@") {
		return repo.UserKey(v)
	}
	return v
}

func currentUser() (string, error) {
	key := resolveUser(viper.GetString("user"))
	if key == "" {
		return "", fmt.Errorf("no user selected; run 'proto login' or 'proto use <email>'")
	}
	return key, nil
}

func printMissionTable(missions []domain.MissionDefinition, progress *domain.UserProgress) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "XP", "Completed", "Best"})
	for _, m := range missions {
		done, best := "", ""
		if progress != nil {
			if c, ok := progress.Completion(m.ID); ok {
				done, best = "yes", fmt.Sprint(c.Score)
			}
		}
		tw.AppendRow(table.Row{m.ID, m.Title, m.XP, done, best})
	}
	tw.Render()
}

func printBrief(m domain.MissionDefinition) {
	fmt.Printf("%s: %s (%d XP)\n\n%s\n\n%s\n", m.ID, m.Title, m.XP, m.Briefing, m.Problem)
	for _, r := range m.Requirements {
		fmt.Printf("  - %s\n", r)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setEnvValue sets key in the dotenv file at path; an empty value removes it.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if env == nil {
		env = map[string]string{}
	}
	if value == "" {
		delete(env, key)
	} else {
		env[key] = value
	}
	return godotenv.Write(env, path)
}
