package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/google/uuid"

	"traceline/internal/app"
	"traceline/internal/assign"
	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/db"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/repo"
	"traceline/internal/server"
	"traceline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Traceline CLI",
	Long: `Traceline tracks healthcare requirement stories and UAT execution.
Core concepts:
- Workspace: your .traceline directory with the database; config is stored in the DB and imported explicitly.
- Program: the engagement that owns all stories, test cases, cycles, and defects.
- Stories: requirement stories that flow draft -> internal_review -> client_review -> approved -> in_development -> in_uat -> complete, with needs_discussion as a side track. Every move is gated by role and may require notes or record an approval.
- Edit locks: short-lived "I'm editing this" claims that expire on their own.
- UAT cycles: test distribution runs; testers get cases by capacity weight, and a slice of the suite is cross-validated by several testers for agreement checks.
- Defects: issues found in UAT that flow open -> confirmed -> in_progress -> fixed -> verified -> closed (closed can reopen).
- Event log: diary of changes, view with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "acting role (defaults to a granted role)")
	rootCmd.PersistentFlags().String("program", "", "program id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("program", rootCmd.PersistentFlags().Lookup("program"))
}

func registerCommands() {
	rootCmd.AddCommand(programCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(testCaseCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(defectCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

// --- program ---

func programCmd() *cobra.Command {
	prg := &cobra.Command{Use: "program", Short: "Manage programs"}
	prg.AddCommand(programListCmd())
	prg.AddCommand(programCreateCmd())
	prg.AddCommand(programShowCmd())
	prg.AddCommand(programUseCmd())
	prg.AddCommand(programConfigCmd())
	return prg
}

func programListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPrograms(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func programCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create program",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProgram(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			// The creating actor administers the new program.
			if err := e.GrantRole(cmd.Context(), id, viper.GetString("actor-id"), workflow.RoleAdmin, viper.GetString("actor-id")); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "program id")
	cmd.Flags().StringVar(&name, "name", "", "program name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func programShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a program",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProgram(ctx, e.Config.Program.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func programUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current program for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			programID := strings.TrimSpace(args[0])
			if programID == "" {
				return fmt.Errorf("program id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TRACELINE_PROGRAM", programID); err != nil {
				return err
			}
			fmt.Printf("Set TRACELINE_PROGRAM=%s in %s/.env\n", programID, workspace)
			return nil
		},
	}
}

func programConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage program config",
	}
	cfg.AddCommand(programConfigShowCmd())
	cfg.AddCommand(programConfigImportCmd())
	cfg.AddCommand(programConfigInitCmd())
	return cfg
}

func programConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show program config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func programConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import program config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			programID := cfg.Program.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if programID == "" {
					programID = e.Config.Program.ID
				}
				if err := e.Repo.UpsertProgramConfig(ctx, programID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func programConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default traceline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "default", "program id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show program status",
		Long:  "See the scoreboard for your program: story counts per workflow status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				programID := e.Config.Program.ID
				p, err := e.Repo.GetProgram(ctx, programID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountStoriesByStatus(ctx, programID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"program_id":   p.ID,
					"status":       p.Status,
					"story_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Program: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Stories:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", workflow.StoryStatusLabel(status), c)
				}
				return nil
			})
		},
	}
}

// --- story ---

func storyCmd() *cobra.Command {
	story := &cobra.Command{
		Use:   "story",
		Short: "Manage requirement stories",
		Long:  "Stories are requirement items. They flow draft -> internal_review -> client_review -> approved -> in_development -> in_uat -> complete; transitions are role-gated and some need notes or record an approval. Edit locks stop two people editing at once.",
	}
	story.AddCommand(storyCreateCmd())
	story.AddCommand(storyListCmd())
	story.AddCommand(storyGetCmd())
	story.AddCommand(storyUpdateCmd())
	story.AddCommand(storyTransitionCmd())
	story.AddCommand(storyTransitionsCmd())
	story.AddCommand(storyDeleteCmd())
	story.AddCommand(storyVersionsCmd())
	story.AddCommand(storyApprovalsCmd())
	story.AddCommand(storyLockCmd())
	story.AddCommand(storyUnlockCmd())
	return story
}

func storyCreateCmd() *cobra.Command {
	var opts engine.StoryCreateOptions
	var related []string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.RelatedIDs = related
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProgramID == "" {
					opts.ProgramID = e.Config.Program.ID
				}
				s, err := e.CreateStory(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProgramID, "program", "", "program id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent story id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().StringArrayVar(&related, "related", []string{}, "related story id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func storyListCmd() *cobra.Command {
	var f repo.StoryFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProgramID == "" {
					f.ProgramID = e.Config.Program.ID
				}
				stories, err := e.ListStories(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stories)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Parent"})
				for _, s := range stories {
					parent := ""
					if s.ParentID != nil {
						parent = *s.ParentID
					}
					tw.AppendRow(table.Row{s.ID, s.Title, workflow.StoryStatusLabel(s.Status), s.Version, parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProgramID, "program", "", "program id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent story id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func storyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStory(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func storyUpdateCmd() *cobra.Command {
	var title, description, setParent string
	var addRelated, removeRelated []string
	var priority int
	var clearPriority bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update story fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.StoryUpdateOptions{
				ID:            args[0],
				ActorID:       viper.GetString("actor-id"),
				AddRelated:    addRelated,
				RemoveRelated: removeRelated,
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("set-parent") {
				opts.SetParent = &setParent
			}
			if clearPriority {
				opts.ClearPriority = true
			} else if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateStory(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&setParent, "set-parent", "", "set parent story id (empty for none)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().BoolVar(&clearPriority, "clear-priority", false, "clear priority")
	cmd.Flags().StringArrayVar(&addRelated, "add-related", []string{}, "add related story")
	cmd.Flags().StringArrayVar(&removeRelated, "remove-related", []string{}, "remove related story")
	return cmd
}

func storyTransitionCmd() *cobra.Command {
	var to, notes string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move a story through the workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStory(ctx, id)
				if err != nil {
					return err
				}
				actorID, role, err := actingRole(ctx, e, s.ProgramID)
				if err != nil {
					return err
				}
				updated, err := e.TransitionStory(ctx, id, to, notes, actorID, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&notes, "notes", "", "transition notes")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func storyTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <id>",
		Short: "List allowed transitions for the acting role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStory(ctx, id)
				if err != nil {
					return err
				}
				_, role, err := actingRole(ctx, e, s.ProgramID)
				if err != nil {
					return err
				}
				transitions, err := e.AllowedTransitions(ctx, id, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(transitions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"To", "Label", "Needs notes", "Records approval"})
				for _, t := range transitions {
					tw.AppendRow(table.Row{t.To, t.Label, t.RequiresNotes, t.RequiresApproval})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func storyDeleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a story (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStory(ctx, id)
				if err != nil {
					return err
				}
				actorID, role, err := actingRole(ctx, e, s.ProgramID)
				if err != nil {
					return err
				}
				deleted, err := e.SoftDeleteStory(ctx, id, actorID, role, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(deleted)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason")
	return cmd
}

func storyVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <id>",
		Short: "List story version snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				versions, err := e.Repo.ListStoryVersions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Status", "Notes", "By", "At"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.VersionNumber, v.Status, v.Notes, v.CreatedBy, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func storyApprovalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approvals <id>",
		Short: "List story approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				approvals, err := e.Repo.ListStoryApprovals(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(approvals)
			})
		},
	}
}

func storyLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <id>",
		Short: "Acquire the edit lock on a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := e.AcquireLock(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(info)
			})
		},
	}
}

func storyUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <id>",
		Short: "Release the edit lock on a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReleaseLock(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
}

// --- test cases ---

func testCaseCmd() *cobra.Command {
	tc := &cobra.Command{
		Use:   "testcase",
		Short: "Manage UAT test cases",
	}
	tc.AddCommand(testCaseCreateCmd())
	tc.AddCommand(testCaseListCmd())
	return tc
}

func testCaseCreateCmd() *cobra.Command {
	var opts engine.TestCaseCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a test case",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProgramID == "" {
					opts.ProgramID = e.Config.Program.ID
				}
				tc, err := e.CreateTestCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(tc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProgramID, "program", "", "program id")
	cmd.Flags().StringVar(&opts.StoryID, "story", "", "story id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.StepsJSON, "steps-json", "", "test steps JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func testCaseListCmd() *cobra.Command {
	var programID, storyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if programID == "" {
					programID = e.Config.Program.ID
				}
				cases, err := e.Repo.ListTestCases(ctx, programID, storyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Story"})
				for _, tc := range cases {
					story := ""
					if tc.StoryID != nil {
						story = *tc.StoryID
					}
					tw.AppendRow(table.Row{tc.ID, tc.Title, story})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&programID, "program", "", "program id")
	cmd.Flags().StringVar(&storyID, "story", "", "story filter")
	return cmd
}

// --- cycles ---

func cycleCmd() *cobra.Command {
	cycle := &cobra.Command{
		Use:   "cycle",
		Short: "Manage UAT cycles",
		Long:  "Cycles distribute the program's test cases across enrolled testers. Preview is read-only; execute commits the plan and locks the cycle.",
	}
	cycle.AddCommand(cycleCreateCmd())
	cycle.AddCommand(cycleListCmd())
	cycle.AddCommand(cycleShowCmd())
	cycle.AddCommand(cycleTesterCmd())
	cycle.AddCommand(cyclePreviewCmd())
	cycle.AddCommand(cycleExecuteCmd())
	cycle.AddCommand(cycleAgreementCmd())
	return cycle
}

func cycleCreateCmd() *cobra.Command {
	var opts engine.CycleCreateOptions
	var cvPercentage int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a UAT cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("cv-percentage") {
				opts.CrossValidationPercentage = &cvPercentage
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProgramID == "" {
					opts.ProgramID = e.Config.Program.ID
				}
				c, err := e.CreateCycle(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProgramID, "program", "", "program id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "cycle name")
	cmd.Flags().StringVar(&opts.DistributionMethod, "method", "", "distribution method (equal, weighted)")
	cmd.Flags().BoolVar(&opts.CrossValidationEnabled, "cross-validation", false, "enable cross-validation")
	cmd.Flags().IntVar(&cvPercentage, "cv-percentage", 0, "percentage of tests cross-validated")
	cmd.Flags().IntVar(&opts.ValidatorsPerTest, "validators", 0, "testers per cross-validated test")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func cycleListCmd() *cobra.Command {
	var programID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if programID == "" {
					programID = e.Config.Program.ID
				}
				cycles, err := e.Repo.ListCycles(ctx, programID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cycles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Method", "CV", "Locked"})
				for _, c := range cycles {
					locked := ""
					if c.LockedAt != nil {
						locked = *c.LockedAt
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.DistributionMethod, c.CrossValidationEnabled, locked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&programID, "program", "", "program id")
	return cmd
}

func cycleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCycle(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cycleTesterCmd() *cobra.Command {
	var weight int
	var inactive bool
	cmd := &cobra.Command{
		Use:   "tester <cycle-id> <user-id>",
		Short: "Add or update a cycle tester",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID, userID := args[0], args[1]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddCycleTester(ctx, cycleID, userID, weight, !inactive, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&weight, "weight", 0, "capacity weight (default 100)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "enroll as inactive")
	return cmd
}

func cyclePreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <id>",
		Short: "Preview assignment distribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.PreviewAssignments(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				printPlanSummary(plan)
				return nil
			})
		},
	}
}

func cycleExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute the distribution and lock the cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.ExecuteAssignments(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				printPlanSummary(plan)
				return nil
			})
		},
	}
}

func cycleAgreementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agreement <group-id>",
		Short: "Show cross-validation group agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.GroupAgreement(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("Group %s (test case %s): %s\n", result.GroupID, result.TestCaseID, result.Agreement)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Execution", "Tester", "Status"})
				for _, ex := range result.Executions {
					tw.AppendRow(table.Row{ex.ID, ex.TesterID, ex.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- executions ---

func executionCmd() *cobra.Command {
	exec := &cobra.Command{
		Use:   "execution",
		Short: "Manage test executions",
	}
	exec.AddCommand(executionListCmd())
	exec.AddCommand(executionTransitionCmd())
	return exec
}

func executionListCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.CycleID == "" {
				return fmt.Errorf("--cycle required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				executions, err := e.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(executions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Test case", "Tester", "Status", "Group"})
				for _, ex := range executions {
					group := ""
					if ex.GroupID != nil {
						group = *ex.GroupID
					}
					tw.AppendRow(table.Row{ex.ID, ex.TestCaseID, ex.TesterID, ex.Status, group})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&f.TesterID, "tester", "", "tester filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.GroupID, "group", "", "cross-validation group filter")
	return cmd
}

func executionTransitionCmd() *cobra.Command {
	var to, notes, stepResults string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move an execution through its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.Repo.GetExecution(ctx, id)
				if err != nil {
					return err
				}
				c, err := e.Repo.GetCycle(ctx, ex.CycleID)
				if err != nil {
					return err
				}
				actorID, role, err := actingRole(ctx, e, c.ProgramID)
				if err != nil {
					return err
				}
				opts := engine.ExecutionUpdateOptions{
					ID:      id,
					To:      to,
					Notes:   notes,
					ActorID: actorID,
					Role:    role,
				}
				if cmd.Flags().Changed("step-results-json") {
					opts.StepResultsJSON = &stepResults
				}
				updated, err := e.TransitionExecution(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&notes, "notes", "", "transition notes")
	cmd.Flags().StringVar(&stepResults, "step-results-json", "", "per-step results JSON")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- defects ---

func defectCmd() *cobra.Command {
	defect := &cobra.Command{
		Use:   "defect",
		Short: "Manage defects",
	}
	defect.AddCommand(defectCreateCmd())
	defect.AddCommand(defectListCmd())
	defect.AddCommand(defectShowCmd())
	defect.AddCommand(defectTransitionCmd())
	return defect
}

func defectCreateCmd() *cobra.Command {
	var opts engine.DefectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a defect",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProgramID == "" {
					opts.ProgramID = e.Config.Program.ID
				}
				d, err := e.CreateDefect(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProgramID, "program", "", "program id")
	cmd.Flags().StringVar(&opts.ExecutionID, "execution", "", "execution where the defect surfaced")
	cmd.Flags().StringVar(&opts.TestCaseID, "testcase", "", "test case id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity (critical, high, medium, low)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func defectListCmd() *cobra.Command {
	var programID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List defects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if programID == "" {
					programID = e.Config.Program.ID
				}
				defects, err := e.Repo.ListDefects(ctx, programID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Severity", "Status"})
				for _, d := range defects {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Severity, d.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&programID, "program", "", "program id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func defectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show defect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDefect(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func defectTransitionCmd() *cobra.Command {
	var to, notes string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move a defect through its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDefect(ctx, id)
				if err != nil {
					return err
				}
				actorID, role, err := actingRole(ctx, e, d.ProgramID)
				if err != nil {
					return err
				}
				updated, err := e.TransitionDefect(ctx, id, to, notes, actorID, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&notes, "notes", "", "transition notes")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- roles ---

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Manage role grants",
	}
	role.AddCommand(roleGrantCmd())
	role.AddCommand(roleRevokeCmd())
	role.AddCommand(roleListCmd())
	return role
}

func roleGrantCmd() *cobra.Command {
	var actor, roleID string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || roleID == "" {
				return fmt.Errorf("--actor and --role-id required")
			}
			if !workflow.KnownRole(roleID) {
				return fmt.Errorf("unknown role %q (known: %s)", roleID, strings.Join(workflow.Roles(), ", "))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Program.ID, actor, roleID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role-id", "", "role id")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actor, roleID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || roleID == "" {
				return fmt.Errorf("--actor and --role-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Program.ID, actor, roleID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role-id", "", "role id")
	return cmd
}

func roleListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an actor's roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Program.ID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, repo.EventFilters{
					ProgramID:  e.Config.Program.ID,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProgramAndConfig(cmd.Context(), workspace, viper.GetString("program"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRACELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRACELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the raw key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				// The raw key is shown exactly once; only its hash is stored.
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProgramAndConfig(ctx, workspace, viper.GetString("program"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// actingRole resolves the role the CLI actor operates as: the --role flag
// when set (and granted), otherwise the highest-precedence granted role.
func actingRole(ctx context.Context, e engine.Engine, programID string) (string, string, error) {
	actorID := viper.GetString("actor-id")
	requested := strings.TrimSpace(viper.GetString("role"))
	granted, err := e.Repo.ActorRoles(ctx, programID, actorID)
	if err != nil {
		return "", "", err
	}
	if requested != "" {
		if !workflow.KnownRole(requested) {
			return "", "", fmt.Errorf("unknown role %q (known: %s)", requested, strings.Join(workflow.Roles(), ", "))
		}
		for _, r := range granted {
			if r == requested {
				return actorID, requested, nil
			}
		}
		return "", "", fmt.Errorf("actor %s does not hold role %s in program %s", actorID, requested, programID)
	}
	for _, r := range workflow.Roles() {
		for _, g := range granted {
			if g == r {
				return actorID, r, nil
			}
		}
	}
	return "", "", fmt.Errorf("actor %s holds no roles in program %s; grant one with 'tl role grant'", actorID, programID)
}

func printPlanSummary(plan assign.Plan) {
	fmt.Printf("Tests: %d total, %d primary, %d cross-validated\n",
		plan.Summary.TotalTests, plan.Summary.PrimaryTests, plan.Summary.CrossValidationTests)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Tester", "Weight", "Primary", "Cross-validation", "Total"})
	for _, t := range plan.Summary.Testers {
		tw.AppendRow(table.Row{t.UserID, t.CapacityWeight, t.Primary, t.CrossValidation, t.Total})
	}
	tw.Render()
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
