package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secretvault/internal/cipher"
	"secretvault/internal/config"
	"secretvault/internal/db"
	"secretvault/internal/domain"
	"secretvault/internal/engine"
	"secretvault/internal/migrate"
	"secretvault/internal/repo"
	"secretvault/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sv",
	Short: "Secret Vault CLI",
	Long: `Secret Vault stores encrypted configuration secrets per project environment.
- Workspace: the .secretvault directory holding the database; secretvault.yml holds the master key and server settings.
- Teams own projects; members hold a role (owner, admin, member, viewer).
- Projects get three default environments (development, staging, production).
- Secrets are AES-256-GCM encrypted with a key derived per project; values never touch the database in plaintext.
- Every value change archives the previous ciphertext as a version snapshot.`,
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
	viper.SetEnvPrefix("SECRETVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
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
			fmt.Printf("Initialized workspace; edit %s and set master_key\n", path)
			return nil
		},
	}
	return cmd
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
		Long:  "Teams own projects. The creating user becomes the team owner; a team always keeps at least one owner.",
	}
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamListCmd())
	team.AddCommand(teamShowCmd())
	team.AddCommand(teamRmCmd())
	team.AddCommand(teamMemberCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				team, err := e.CreateTeam(ctx, name, desc, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printEntity(team)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "team name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func teamListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				teams, err := e.Repo.ListTeamsByUser(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Slug", "Created"})
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Slug, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func teamShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <team-id>",
		Short: "Show a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				team, err := e.Repo.GetTeam(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(team)
			})
		},
	}
	return cmd
}

func teamRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <team-id>",
		Short: "Delete a team and everything it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTeam(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Team deleted")
				return nil
			})
		},
	}
	return cmd
}

func teamMemberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage team members"}
	member.AddCommand(teamMemberAddCmd())
	member.AddCommand(teamMemberListCmd())
	member.AddCommand(teamMemberRoleCmd())
	member.AddCommand(teamMemberRemoveCmd())
	return member
}

func teamMemberAddCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "add <team-id>",
		Short: "Add a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddTeamMember(ctx, args[0], user, domain.TeamRole(role))
				if err != nil {
					return err
				}
				return printEntity(m)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "member", "role (owner, admin, member, viewer)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func teamMemberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <team-id>",
		Short: "List members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.Repo.ListTeamMembers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Role", "Since"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.UserID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func teamMemberRoleCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "role <team-id>",
		Short: "Change a member's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.UpdateTeamMemberRole(ctx, args[0], user, domain.TeamRole(role)); err != nil {
					return err
				}
				m, err := e.Repo.GetTeamMember(ctx, args[0], user)
				if err != nil {
					return err
				}
				return printEntity(m)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "new role")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func teamMemberRemoveCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "remove <team-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveTeamMember(ctx, args[0], user)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "Projects belong to a team and own environments. Creating a project seeds development, staging, and production.",
	}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectRmCmd())
	prj.AddCommand(projectEnvCmd())
	prj.AddCommand(projectGrantCmd())
	prj.AddCommand(projectPermsCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var team, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project with default environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				project, envs, err := e.CreateProject(ctx, team, name, desc, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printEntity(map[string]any{
					"project":      project,
					"environments": envs,
				})
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List team projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projects, err := e.Repo.ListProjectsByTeam(ctx, team)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Slug", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Slug, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team id")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func projectRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <project-id>",
		Short: "Delete a project, its environments, and its secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Project deleted")
				return nil
			})
		},
	}
	return cmd
}

func projectEnvCmd() *cobra.Command {
	env := &cobra.Command{Use: "env", Short: "Manage environments"}
	env.AddCommand(projectEnvListCmd())
	env.AddCommand(projectEnvCreateCmd())
	return env
}

func projectEnvListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				envs, err := e.Repo.ListEnvironments(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(envs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Slug", "Color"})
				for _, env := range envs {
					tw.AppendRow(table.Row{env.ID, env.Name, env.Slug, env.Color})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func projectEnvCreateCmd() *cobra.Command {
	var project, name, color string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.CreateEnvironment(ctx, project, name, color)
				if err != nil {
					return err
				}
				return printEntity(env)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "environment name")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectGrantCmd() *cobra.Command {
	var project, user, permission, environment string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a permission override",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var envID *string
				if environment != "" {
					envID = &environment
				}
				o, err := e.SetProjectPermission(ctx, project, user, envID, domain.ProjectPermission(permission))
				if err != nil {
					return err
				}
				return printEntity(o)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&permission, "permission", "", "permission (read, write, admin)")
	cmd.Flags().StringVar(&environment, "env", "", "environment id (omit for project-wide)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("permission")
	return cmd
}

func projectPermsCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "List permission overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				overrides, err := e.Repo.ListPermissionOverrides(ctx, project)
				if err != nil {
					return err
				}
				return printEntity(overrides)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func secretCmd() *cobra.Command {
	sec := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets",
		Long:  "Secrets live in an environment and are keyed SCREAMING_SNAKE_CASE. Values are encrypted before they reach the database and decrypted only on read.",
	}
	sec.AddCommand(secretSetCmd())
	sec.AddCommand(secretGetCmd())
	sec.AddCommand(secretListCmd())
	sec.AddCommand(secretUpdateCmd())
	sec.AddCommand(secretRmCmd())
	sec.AddCommand(secretHistoryCmd())
	sec.AddCommand(secretExportCmd())
	sec.AddCommand(secretImportCmd())
	return sec
}

// resolveEnvironment accepts an environment id, or a slug when --project is
// given alongside it.
func resolveEnvironment(ctx context.Context, r repo.Repo, projectID, ref string) (domain.Environment, error) {
	env, err := r.GetEnvironment(ctx, ref)
	if err == nil {
		return env, nil
	}
	if !errors.Is(err, repo.ErrNotFound) || projectID == "" {
		return domain.Environment{}, err
	}
	return r.GetEnvironmentBySlug(ctx, projectID, ref)
}

func secretSetCmd() *cobra.Command {
	var envRef, project, value, desc string
	var sensitive bool
	cmd := &cobra.Command{
		Use:   "set <KEY>",
		Short: "Create a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				secret, err := e.CreateSecret(ctx, engine.SecretCreateOptions{
					EnvironmentID: env.ID,
					ProjectID:     env.ProjectID,
					Key:           args[0],
					Value:         value,
					Description:   desc,
					IsSensitive:   sensitive,
					ActorID:       viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printEntity(secret)
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	cmd.Flags().StringVar(&value, "value", "", "secret value")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "mark as sensitive")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func secretGetCmd() *cobra.Command {
	var envRef, project string
	var valueOnly bool
	cmd := &cobra.Command{
		Use:   "get <KEY>",
		Short: "Get a secret with its decrypted value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				secret, ok, err := e.GetSecret(ctx, env.ID, env.ProjectID, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("secret %s not found", args[0])
				}
				if valueOnly {
					fmt.Println(secret.Value)
					return nil
				}
				return printEntity(secret)
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	cmd.Flags().BoolVar(&valueOnly, "value", false, "print only the value")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func secretListCmd() *cobra.Command {
	var envRef, project string
	var includeValues bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				secrets, err := e.GetSecrets(ctx, env.ID, env.ProjectID, includeValues)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(secrets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Version", "Sensitive", "Updated"})
				for _, s := range secrets {
					tw.AppendRow(table.Row{s.Key, s.Version, s.IsSensitive, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	cmd.Flags().BoolVar(&includeValues, "values", false, "decrypt and include values")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func secretUpdateCmd() *cobra.Command {
	var envRef, project, value, desc string
	var sensitive bool
	var expectedVersion int
	cmd := &cobra.Command{
		Use:   "update <KEY>",
		Short: "Update a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SecretUpdateOptions{
				Key:     args[0],
				ActorID: viper.GetString("user-id"),
			}
			if cmd.Flags().Changed("value") {
				opts.Value = &value
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("sensitive") {
				opts.IsSensitive = &sensitive
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				opts.EnvironmentID = env.ID
				opts.ProjectID = env.ProjectID
				secret, err := e.UpdateSecret(ctx, opts)
				if err != nil {
					return err
				}
				return printEntity(secret)
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	cmd.Flags().StringVar(&value, "value", "", "new value")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "sensitivity flag")
	cmd.Flags().IntVar(&expectedVersion, "expected-version", 0, "fail unless the stored version matches")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func secretRmCmd() *cobra.Command {
	var envRef, project string
	cmd := &cobra.Command{
		Use:   "rm <KEY>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				return e.DeleteSecret(ctx, env.ID, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func secretHistoryCmd() *cobra.Command {
	var envRef, project string
	cmd := &cobra.Command{
		Use:   "history <KEY>",
		Short: "Show version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				secret, err := e.Repo.GetSecret(ctx, env.ID, args[0])
				if err != nil {
					return err
				}
				history, err := e.GetSecretHistory(ctx, secret.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Changed By", "Changed At"})
				for _, v := range history {
					tw.AppendRow(table.Row{v.Version, v.ChangedBy, v.ChangedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func secretExportCmd() *cobra.Command {
	var envRef, project, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export secrets as dotenv",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				content, err := e.ExportEnv(ctx, env.ID, env.ProjectID)
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, []byte(content+"\n"), 0o600)
				}
				fmt.Println(content)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func secretImportCmd() *cobra.Command {
	var envRef, project, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import secrets from a dotenv file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				created, err := e.ImportEnv(ctx, env.ID, env.ProjectID, string(data), viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"created": created})
				}
				fmt.Printf("Imported %d secrets\n", created)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	cmd.Flags().StringVar(&file, "file", "", "dotenv file path")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runCmd() *cobra.Command {
	var envRef, project string
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command with an environment's secrets injected",
		Long:  "Decrypts the environment's secrets and runs the command with them as environment variables, on top of the current environment.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := resolveEnvironment(ctx, e.Repo, project, envRef)
				if err != nil {
					return err
				}
				secrets, err := e.GetSecrets(ctx, env.ID, env.ProjectID, true)
				if err != nil {
					return err
				}
				child := exec.CommandContext(ctx, args[0], args[1:]...)
				child.Env = os.Environ()
				for _, s := range secrets {
					child.Env = append(child.Env, s.Key+"="+s.Value)
				}
				child.Stdin = os.Stdin
				child.Stdout = os.Stdout
				child.Stderr = os.Stderr
				return child.Run()
			})
		},
	}
	cmd.Flags().StringVar(&envRef, "env", "", "environment id or slug")
	cmd.Flags().StringVar(&project, "project", "", "project id (required when --env is a slug)")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
		Long:  "API tokens grant project access over HTTP. The opaque value is printed once; only its hash is stored.",
	}
	tok.AddCommand(tokenCreateCmd())
	tok.AddCommand(tokenListCmd())
	tok.AddCommand(tokenRevokeCmd())
	return tok
}

func tokenCreateCmd() *cobra.Command {
	var project, name, environment string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var envID *string
				if environment != "" {
					envID = &environment
				}
				token, secret, err := e.CreateAPIToken(ctx, project, envID, name, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": token, "secret": secret})
				}
				fmt.Printf("Token %s created. Store this value now, it will not be shown again:\n%s\n", token.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "token name")
	cmd.Flags().StringVar(&environment, "env", "", "restrict to environment id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func tokenListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tokens, err := e.Repo.ListAPITokens(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range tokens {
						tokens[i].TokenHash = ""
					}
					return printJSON(tokens)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created By", "Created"})
				for _, t := range tokens {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedBy, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke an API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIToken(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			c, err := cipher.New(cfg.MasterKey)
			if err != nil {
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
			e := engine.New(conn, c)
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowLegacyUserHeader {
				return fmt.Errorf("server.jwt_secret is required for bearer auth (or enable allow_legacy_user_header for local use)")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:             cfg.Server.JWTSecret,
					AllowLegacyUserHeader: cfg.Server.AllowLegacyUserHeader,
				},
			})
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
			fmt.Printf("Serving Secret Vault API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	c, err := cipher.New(cfg.MasterKey)
	if err != nil {
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
	return fn(ctx, engine.New(conn, c))
}

// printEntity renders a single entity as a field/value table, or as JSON
// with --json. Non-object values fall back to JSON.
func printEntity(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return printJSON(v)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	for _, k := range keys {
		tw.AppendRow(table.Row{k, fmt.Sprintf("%v", fields[k])})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
