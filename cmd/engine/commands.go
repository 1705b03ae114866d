package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusflow/attendance-engine/config"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/infrastructure/messaging"
)

// withApp builds the application for one command and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ══════════════════════════════════════════════════════════════════════════════

func (c *cli) migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd.Context(), c.cfg.Database, c.log)
			if err != nil {
				return err
			}
			defer st.close()

			if down {
				if st.rollback == nil {
					return fmt.Errorf("the %s store does not support rollback", st.driver)
				}
				version, err := st.rollback(cmd.Context())
				if err != nil {
					return err
				}
				c.log.Info().Str("driver", st.driver).Int("version", version).Msg("migration rolled back")
				return nil
			}

			applied, err := st.migrate(cmd.Context())
			if err != nil {
				return err
			}
			c.log.Info().Str("driver", st.driver).Int("applied", applied).Msg("schema is up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert the most recent migration instead (postgres only)")
	return cmd
}

func (c *cli) seedBadgesCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-badges",
		Short: "Insert or update badge definitions from a YAML catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open catalogue: %w", err)
			}
			defer f.Close()

			defs, err := badge.LoadCatalogue(f)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.engine.UpsertBadgeDefinitions(ctx, defs); err != nil {
					return err
				}
				c.log.Info().Int("badges", len(defs)).Str("file", file).Msg("badge catalogue seeded")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "config/badges.yaml", "catalogue file")
	return cmd
}

func (c *cli) awardCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "award <student-id> <badge-code>",
		Short: "Grant a badge manually",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				inserted, err := a.engine.AwardManually(ctx, args[0], args[1], by)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), map[string]any{
					"studentId": args[0],
					"badgeCode": args[1],
					"inserted":  inserted,
				}, func(w io.Writer) {
					if inserted {
						fmt.Fprintf(w, "awarded %s to %s\n", args[1], args[0])
					} else {
						fmt.Fprintf(w, "%s already holds %s\n", args[0], args[1])
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "administrator granting the badge")
	return cmd
}

func (c *cli) recordEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record-event <student-id> <event-name>",
		Short: "Record a student event consulted by event criteria",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.events.Record(ctx, args[0], args[1], time.Now().UTC()); err != nil {
					return err
				}
				c.log.Info().Str("student_id", args[0]).Str("event", args[1]).Msg("event recorded")
				return nil
			})
		},
	}
}

func (c *cli) enqueueCmd() *cobra.Command {
	var all bool
	var batchSize int
	cmd := &cobra.Command{
		Use:   "enqueue [student-id]",
		Short: "Queue an evaluation trigger for the worker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a student id or --all")
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if a.cfg.Queue.Backend != config.QueueRedis {
					return fmt.Errorf("enqueue needs QUEUE_BACKEND=redis; the memory queue lives inside the worker")
				}
				q, err := a.queue()
				if err != nil {
					return err
				}
				t := messaging.BatchTrigger(batchSize)
				if !all {
					t = messaging.StudentTrigger(args[0])
				}
				if err := q.Publish(ctx, t); err != nil {
					return err
				}
				c.log.Info().Str("trigger_id", t.ID).Str("type", string(t.Type)).Msg("trigger enqueued")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "queue an evaluate-all trigger")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "page size for --all (0 uses the engine default)")
	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATION
// ══════════════════════════════════════════════════════════════════════════════

func (c *cli) evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <student-id>",
		Short: "Evaluate one student's badges and print their state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				states, err := a.engine.EvaluateStudent(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printStates(cmd.OutOrStdout(), states)
			})
		},
	}
}

func (c *cli) evaluateAllCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "evaluate-all",
		Short: "Evaluate every student's badges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.engine.EvaluateAllStudents(ctx, batchSize)
				if report != nil {
					if perr := c.print(cmd.OutOrStdout(), report, func(w io.Writer) {
						fmt.Fprintf(w, "students:   %d (%d succeeded, %d failed)\n", report.Students, report.Succeeded, report.Failed)
						fmt.Fprintf(w, "new awards: %d\n", report.NewAwards)
						fmt.Fprintf(w, "duration:   %s\n", report.Duration.Round(time.Millisecond))
						for _, f := range report.Failures {
							fmt.Fprintf(w, "  failed %s: %s\n", f.StudentID, f.Error)
						}
					}); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "students per page (0 uses ENGINE_BATCH_SIZE)")
	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ══════════════════════════════════════════════════════════════════════════════

func (c *cli) badgesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "badges",
		Short: "List badge definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				defs, err := a.engine.ListBadgeDefinitions(ctx)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), defs, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "CODE\tNAME\tCRITERION")
					for _, d := range defs {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Code, d.Name, d.Criterion.Kind())
					}
					_ = tw.Flush()
				})
			})
		},
	}
}

func (c *cli) studentBadgesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "student-badges <student-id>",
		Short: "Show a student's badge state without evaluating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				states, err := a.engine.ListStudentBadges(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printStates(cmd.OutOrStdout(), states)
			})
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTPUT
// ══════════════════════════════════════════════════════════════════════════════

func (c *cli) print(w io.Writer, v any, table func(io.Writer)) error {
	if c.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table(w)
	return nil
}

func (c *cli) printStates(w io.Writer, states []badge.State) error {
	return c.print(w, states, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CODE\tNAME\tUNLOCKED\tAWARDED AT")
		for _, s := range states {
			awarded := "-"
			if s.AwardedAt != nil {
				awarded = s.AwardedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.Code, s.Name, s.Unlocked, awarded)
		}
		fmt.Fprintf(tw, "\n%d of %d unlocked\n", badge.UnlockedCount(states), len(states))
		_ = tw.Flush()
	})
}
