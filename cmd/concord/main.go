package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"concord/internal/app"
	"concord/internal/config"
	"concord/internal/db"
	"concord/internal/domain"
	"concord/internal/engine"
	"concord/internal/migrate"
	"concord/internal/relay"
	"concord/internal/repo"
	"concord/internal/server"
	"concord/internal/tally"
)

const longHelp = `Concord runs governance for a community of agents.
Core concepts:
- Workspace: a directory holding concord.yml and the .concord database.
- Agents: registered members. The first agent becomes the founder.
- Roles: named permission sets. Revoking a critical permission from its last holder is refused.
- Resolutions: proposals with immutable, numbered versions. Only drafts can be revised.
- Voting: one session per resolution. Rules are frozen when voting opens; close tallies with those rules.
- Audit log: every state change is an event, view with 'concord log tail'.`

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	initConfig()
	root := &cobra.Command{
		Use:           "concord",
		Short:         "Concord governance CLI",
		Long:          longHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := loadDotEnv(workspace); err != nil {
				return err
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			return nil
		},
	}
	addPersistentFlags(root)
	root.AddCommand(initCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(roleCmd())
	root.AddCommand(resolutionCmd())
	root.AddCommand(voteCmd())
	root.AddCommand(discussionCmd())
	root.AddCommand(charterCmd())
	root.AddCommand(configCmd())
	root.AddCommand(logCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(dbCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("CONCORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("actor-id", "", "acting agent id")
	root.PersistentFlags().Bool("enforce-permissions", false, "check role permissions on governed actions")
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "enforce-permissions", "log-level"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}
}

// loadDotEnv reads <workspace>/.env so CONCORD_* settings can live next to
// concord.yml. Variables already set in the environment win.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write concord.yml and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
				return err
			}
			rt, err := app.Open(app.Options{Workspace: workspace})
			if err != nil {
				return err
			}
			defer rt.Close()
			st, err := migrate.CurrentStatus(rt.DB)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"config": path, "database": db.Path(workspace), "schema_version": st.Current})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s (schema v%d)\n", path, st.Current)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing concord.yml")
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents"}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentStatusCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.RegisterAgentOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as %s\n", res.Agent.Handle, res.Agent.ID)
				if res.IsBootstrap && res.FounderRole != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Granted founder role %q\n", res.FounderRole.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Handle, "handle", "", "unique handle")
	cmd.Flags().StringVar(&opts.DisplayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&opts.Bio, "bio", "", "short bio")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), agents)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Handle", "Name", "Status", "Roles"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Handle, a.DisplayName, a.Status, strings.Join(a.Roles, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <agent-id>",
		Short: "Suspend, ban or reinstate an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agent, err := e.SetAgentStatus(ctx, engine.SetAgentStatusOptions{
					AgentID:     args[0],
					Status:      strings.ToUpper(status),
					ChangedByID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), agent, fmt.Sprintf("%s is now %s", agent.Handle, agent.Status))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE, SUSPENDED or BANNED")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage roles and assignments"}
	cmd.AddCommand(roleCreateCmd())
	cmd.AddCommand(roleListCmd())
	cmd.AddCommand(roleAssignCmd())
	cmd.AddCommand(roleRevokeCmd())
	return cmd
}

func roleCreateCmd() *cobra.Command {
	var opts engine.CreateRoleOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatedByID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				role, err := e.CreateRole(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), role, fmt.Sprintf("Created role %s (%s)", role.Name, role.ID))
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "role name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringSliceVar(&opts.PermissionCodes, "permission", nil, "permission code (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("permission")
	return cmd
}

func roleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), roles)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Name", "Members", "Permissions"})
				for _, r := range roles {
					perms := make([]string, 0, len(r.PermissionCodes))
					for _, code := range r.PermissionCodes {
						if e.Config.IsCritical(code) {
							code += "*"
						}
						perms = append(perms, code)
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.MemberCount, strings.Join(perms, ", ")})
				}
				tw.AppendFooter(table.Row{"", "", "", "* critical"})
				tw.Render()
				return nil
			})
		},
	}
}

func roleAssignCmd() *cobra.Command {
	var agentID, roleID string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a role to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ar, err := e.AssignRole(ctx, engine.AssignRoleOptions{
					AgentID:      agentID,
					RoleID:       roleID,
					AssignedByID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), ar, fmt.Sprintf("Assigned role %s to %s", ar.RoleID, ar.AgentID))
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var agentID, roleID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an agent",
		Long:  "Revoke a role. The revocation is refused when it would leave a critical permission with at most one holder.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RevokeRole(ctx, engine.RevokeRoleOptions{
					AgentID:     agentID,
					RoleID:      roleID,
					RevokedByID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), res, fmt.Sprintf("Revoked role %s from %s", roleID, agentID))
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func resolutionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "resolution", Short: "Manage resolutions"}
	cmd.AddCommand(resolutionCreateCmd())
	cmd.AddCommand(resolutionListCmd())
	cmd.AddCommand(resolutionShowCmd())
	cmd.AddCommand(resolutionReviseCmd())
	return cmd
}

// readContent returns the inline value, or the file's contents when a path
// was given. "-" reads stdin.
func readContent(cmd *cobra.Command, inline, path string) (string, error) {
	if path == "" {
		return inline, nil
	}
	if path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func resolutionCreateCmd() *cobra.Command {
	var opts engine.CreateResolutionOptions
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, opts.Content, file)
			if err != nil {
				return err
			}
			opts.Content = content
			opts.ProposerID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CreateResolution(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), detail, fmt.Sprintf("Created resolution %s (%s)", detail.ID, detail.Status))
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "summary")
	cmd.Flags().StringVar(&opts.Content, "content", "", "content of version 1")
	cmd.Flags().StringVar(&file, "file", "", "read content from a file (- for stdin)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func resolutionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resolutions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListResolutions(ctx, limit, strings.ToUpper(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, statusColor(r.Status), r.CurrentVersion, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func resolutionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a resolution with its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetResolution(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), detail)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s  %s  [%s]\n", detail.ID, detail.Title, statusColor(detail.Status))
				if detail.Summary != "" {
					fmt.Fprintln(out, detail.Summary)
				}
				tw := newTable(out)
				tw.AppendHeader(table.Row{"Version", "Editor", "Note", "Created"})
				for _, v := range detail.Versions {
					tw.AppendRow(table.Row{v.VersionNo, v.EditorID, v.ChangeNote, v.CreatedAt})
				}
				tw.Render()
				if s := detail.Session; s != nil {
					state := "open until " + s.ScheduledEndAt
					if s.IsClosed && s.FinalResult != nil {
						state = "closed: " + statusColor(*s.FinalResult)
					}
					fmt.Fprintf(out, "Voting session %s (%s)\n", s.ID, state)
				}
				return nil
			})
		},
	}
}

func resolutionReviseCmd() *cobra.Command {
	var content, file, note string
	cmd := &cobra.Command{
		Use:   "revise <id>",
		Short: "Append a new version to a draft resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readContent(cmd, content, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ReviseResolution(ctx, engine.ReviseResolutionOptions{
					ResolutionID: args[0],
					Content:      body,
					ChangeNote:   note,
					EditorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), v, fmt.Sprintf("Resolution %s is at version %d", v.ResolutionID, v.VersionNo))
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "new content")
	cmd.Flags().StringVar(&file, "file", "", "read content from a file (- for stdin)")
	cmd.Flags().StringVar(&note, "note", "", "change note")
	return cmd
}

func voteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vote", Short: "Open, cast and close votes"}
	cmd.AddCommand(voteStartCmd())
	cmd.AddCommand(voteCastCmd())
	cmd.AddCommand(voteCloseCmd())
	cmd.AddCommand(voteShowCmd())
	return cmd
}

func voteStartCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "start <resolution-id>",
		Short: "Open voting on a draft resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.OpenVotingOptions{ResolutionID: args[0], StartedByID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("duration-hours") {
				opts.DurationHours = &hours
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.OpenVoting(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), res, fmt.Sprintf("Voting open on %s until %s (threshold %.2f)",
					res.ResolutionID, res.ScheduledEndAt, res.AppliedThreshold))
			})
		},
	}
	cmd.Flags().IntVar(&hours, "duration-hours", 0, "override the configured duration")
	return cmd
}

func voteCastCmd() *cobra.Command {
	var choice, reason string
	cmd := &cobra.Command{
		Use:   "cast <resolution-id>",
		Short: "Cast or change the acting agent's ballot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CastVote(ctx, engine.CastVoteOptions{
					ResolutionID: args[0],
					AgentID:      viper.GetString("actor-id"),
					Choice:       strings.ToUpper(choice),
					Reason:       reason,
				})
				if err != nil {
					return err
				}
				verb := "Recorded"
				if res.Changed {
					verb = "Changed"
				}
				c := res.CurrentTally
				return printJSONOrLine(cmd.OutOrStdout(), res, fmt.Sprintf("%s %s (approve %d, reject %d, abstain %d)",
					verb, res.Choice, c.Approve, c.Reject, c.Abstain))
			})
		},
	}
	cmd.Flags().StringVar(&choice, "choice", "", "APPROVE, REJECT or ABSTAIN")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func voteCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <resolution-id>",
		Short: "Close voting and record the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CloseVoting(ctx, engine.CloseVotingOptions{
					ResolutionID: args[0],
					ClosedByID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Resolution %s %s\n", res.ResolutionID, statusColor(res.FinalStatus))
				renderTally(out, res.FinalTally)
				return nil
			})
		},
	}
}

func voteShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <resolution-id>",
		Short: "Show ballots and the current tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Votes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				tw := newTable(out)
				tw.AppendHeader(table.Row{"Agent", "Choice", "Reason", "Voted"})
				for _, v := range res.Votes {
					tw.AppendRow(table.Row{v.AgentHandle, v.Choice, v.Reason, v.VotedAt})
				}
				tw.Render()
				renderTally(out, res.Tally)
				return nil
			})
		},
	}
}

func renderTally(w io.Writer, t tally.Result) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Approve", "Reject", "Abstain", "Eligible", "Approval", "Threshold", "Quorum", "Result"})
	tw.AppendRow(table.Row{
		t.Approve, t.Reject, t.Abstain, t.TotalEligibleVoters,
		fmt.Sprintf("%.2f", t.ApprovalRate), fmt.Sprintf("%.2f", t.Threshold),
		t.QuorumMet, statusColor(t.FinalResult),
	})
	tw.Render()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Voting configuration and concord.yml"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current voting configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.VotingConfig(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), cfg)
				}
				renderVotingConfig(cmd.OutOrStdout(), cfg)
				return nil
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	var threshold, quorumPct float64
	var hours int
	var abstain, change, quorum bool
	var basis string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update voting configuration (only the flags given change)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateVotingConfigOptions{UpdatedByID: viper.GetString("actor-id")}
			f := cmd.Flags()
			if f.Changed("approval-threshold") {
				opts.ApprovalThreshold = &threshold
			}
			if f.Changed("duration-hours") {
				opts.DefaultDurationHours = &hours
			}
			if f.Changed("allow-abstain") {
				opts.AllowAbstain = &abstain
			}
			if f.Changed("allow-vote-change") {
				opts.AllowVoteChange = &change
			}
			if f.Changed("require-quorum") {
				opts.RequireQuorum = &quorum
			}
			if f.Changed("quorum-percentage") {
				opts.QuorumPercentage = &quorumPct
			}
			if f.Changed("quorum-basis") {
				opts.QuorumBasis = &basis
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.UpdateVotingConfig(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), cfg)
				}
				renderVotingConfig(cmd.OutOrStdout(), cfg)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "approval-threshold", 0, "approval threshold in (0,1]")
	cmd.Flags().IntVar(&hours, "duration-hours", 0, "default voting duration")
	cmd.Flags().BoolVar(&abstain, "allow-abstain", true, "allow ABSTAIN ballots")
	cmd.Flags().BoolVar(&change, "allow-vote-change", false, "allow agents to change their ballot")
	cmd.Flags().BoolVar(&quorum, "require-quorum", false, "require quorum")
	cmd.Flags().Float64Var(&quorumPct, "quorum-percentage", 0, "quorum percentage in (0,1]")
	cmd.Flags().StringVar(&basis, "quorum-basis", "", "live or snapshot")
	return cmd
}

func renderVotingConfig(w io.Writer, cfg domain.VotingConfig) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Setting", "Value"})
	tw.AppendRows([]table.Row{
		{"approval_threshold", cfg.ApprovalThreshold},
		{"default_duration_hours", cfg.DefaultDurationHours},
		{"allow_abstain", cfg.AllowAbstain},
		{"allow_vote_change", cfg.AllowVoteChange},
		{"require_quorum", cfg.RequireQuorum},
		{"quorum_percentage", cfg.QuorumPercentage},
		{"quorum_basis", cfg.QuorumBasis},
		{"version", cfg.Version},
	})
	tw.Render()
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate concord.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"valid": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var cursor int64
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListAuditEvents(ctx, n, cursor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), events)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Target"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ActorID, evt.TargetType + ":" + evt.TargetID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "before", 0, "only events with an id below this one")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor agent id filter")
	cmd.Flags().StringVar(&f.TargetType, "target-type", "", "target type filter")
	cmd.Flags().StringVar(&f.TargetID, "target-id", "", "target id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, natsURL string
	var requireAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, metrics endpoint and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), viper.GetString("log-level"), true)
			rt, err := app.Open(app.Options{
				Workspace:          viper.GetString("workspace"),
				Logger:             logger,
				EnforcePermissions: viper.GetBool("enforce-permissions"),
				Metrics:            true,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Required: requireAuth}
			if authCfg.Required && authCfg.JWTSecret == "" {
				return fmt.Errorf("CONCORD_JWT_SECRET is required with --require-auth")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Metrics:  rt.Metrics,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if natsURL == "" {
				natsURL = rt.Config.NATS.URL
			}
			var pub relay.Publisher
			if natsURL != "" {
				nc, err := relay.ConnectNATS(natsURL)
				if err != nil {
					return err
				}
				defer nc.Drain()
				pub = nc
			}
			rl := relay.New(rt.Engine.Repo, rt.Config, pub, logger)
			go rl.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving concord api", "addr", addr, "base_path", basePath, "sinks", len(rl.Sinks), "auth_required", requireAuth)
			fmt.Fprintf(cmd.OutOrStdout(), "Serving Concord API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs, metrics at /metrics)\n",
				addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server for audit events (overrides concord.yml)")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "reject API requests without a bearer token")
	return cmd
}

func tokenCmd() *cobra.Command {
	var agentID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CONCORD_JWT_SECRET is required")
			}
			if agentID == "" {
				agentID = viper.GetString("actor-id")
			}
			if agentID == "" {
				return fmt.Errorf("--agent or --actor-id required")
			}
			token, err := server.SignToken(secret, agentID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id for the subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.CurrentStatus(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema v%d (latest v%d)\n", db.Path(workspace), st.Current, st.Latest)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			st, err := migrate.CurrentStatus(conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema v%d\n", st.Current)
			return nil
		},
	})
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(app.Options{
		Workspace:          viper.GetString("workspace"),
		Logger:             newLogger(os.Stderr, viper.GetString("log-level"), false),
		EnforcePermissions: viper.GetBool("enforce-permissions"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func newLogger(w io.Writer, level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

func statusColor(status string) string {
	switch status {
	case domain.ResolutionPassed:
		return color.GreenString(status)
	case domain.ResolutionRejected:
		return color.RedString(status)
	case domain.ResultQuorumNotMet:
		return color.YellowString(status)
	case domain.ResolutionVoting:
		return color.CyanString(status)
	case domain.DiscussionLocked, domain.DiscussionClosed:
		return color.HiBlackString(status)
	}
	return status
}

func printJSONOrLine(w io.Writer, v any, line string) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printError(w io.Writer, err error) {
	var ee *engine.Error
	if errors.As(err, &ee) {
		fmt.Fprintf(w, "%s %s: %s\n", color.RedString("error:"), ee.Kind, ee.Message)
		keys := make([]string, 0, len(ee.Details))
		for k := range ee.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, formatDetail(ee.Details[k]))
		}
		return
	}
	fmt.Fprintln(w, color.RedString("error:"), err)
}

func formatDetail(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case []string:
		return strings.Join(t, ", ")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
