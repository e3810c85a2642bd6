package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpulse/internal/balance"
	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/engine/auth"
	"taskpulse/internal/repo"
)

func reassignCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "reassign",
		Short: "Workload-aware reassignment",
		Long:  "Recommend a lighter-loaded teammate for an item held by an overloaded person, then execute the move. Items whose priority is listed in policies.confirm_priorities need --confirm.",
	}
	r.AddCommand(reassignRecommendCmd())
	r.AddCommand(reassignExecuteCmd())
	r.AddCommand(reassignAnalysisCmd())
	r.AddCommand(reassignBatchCmd())
	return r
}

func reassignRecommendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend <item-id>",
		Short: "Rank teammates who could take over an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItemBalancer(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, cfg *config.Config, svc *balance.Service, item domain.WorkItem) error {
				rec, err := svc.Recommend(ctx, item.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				printRecommendation(rec)
				return nil
			})
		},
	}
}

func reassignExecuteCmd() *cobra.Command {
	var to string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "execute <item-id>",
		Short: "Make a person the sole assignee of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItemBalancer(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, cfg *config.Config, svc *balance.Service, item domain.WorkItem) error {
				actor := viper.GetString("actor-id")
				if err := (auth.Service{People: e.Repo}).Authorize(ctx, actor, nil, cfg.RBAC.ExecuteRoles, "reassignment.execute"); err != nil {
					return err
				}
				if svc.RequiresConfirmation(item.Priority) && !confirm {
					return fmt.Errorf("%s priority: %w (pass --confirm)", item.Priority, domain.ErrConfirmationRequired)
				}
				res, err := svc.ExecuteReassignment(ctx, item.ID, to, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s reassigned from %s to %s\n", res.WorkItem.ID, strings.Join(res.FromAssignees, ","), res.ToAssignee)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "new assignee id")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm a high-priority reassignment")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reassignAnalysisCmd() *cobra.Command {
	var scope balance.Scope
	cmd := &cobra.Command{
		Use:   "analysis",
		Short: "Band every person in scope as overloaded, balanced or underutilized",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBalancer(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config, svc *balance.Service) error {
				scope.ProjectID = cfg.Project.ID
				res, err := svc.TeamAnalysis(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("Person", "Role", "Items", "Hours", "Capacity", "Workload", "Band")
				for _, p := range res.People {
					tw.AppendRow(table.Row{p.Name, p.Role, p.Snapshot.ActiveItems, p.Snapshot.TotalHours, p.Snapshot.CapacityHours, fmt.Sprintf("%d%%", p.Snapshot.Percentage), p.Band})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "average", fmt.Sprintf("%d%%", res.AverageWorkload), ""})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&scope.IterationID, "iteration", "", "iteration id")
	return cmd
}

func reassignBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <item-id>...",
		Short: "Recommend for several items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBalancer(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config, svc *balance.Service) error {
				res, err := svc.BatchAnalyze(ctx, args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("Item", "Outcome", "Recommended", "Score")
				for _, entry := range res.Items {
					switch {
					case entry.Error != "":
						tw.AppendRow(table.Row{entry.WorkItemID, "error: " + entry.Error, "", ""})
					case entry.Recommendation.Recommended != nil:
						top := entry.Recommendation.Recommended
						tw.AppendRow(table.Row{entry.WorkItemID, entry.Recommendation.Code, top.Name, top.Score})
					default:
						tw.AppendRow(table.Row{entry.WorkItemID, entry.Recommendation.Code, "", ""})
					}
				}
				tw.Render()
				fmt.Printf("%d recommended, %d failed\n", res.Recommended, res.Failed)
				return nil
			})
		},
	}
}

func workloadCmd() *cobra.Command {
	w := &cobra.Command{Use: "workload", Short: "Per-person workload and team rebalancing"}
	w.AddCommand(workloadShowCmd())
	w.AddCommand(workloadRebalanceCmd())
	return w
}

func workloadShowCmd() *cobra.Command {
	var iteration string
	cmd := &cobra.Command{
		Use:   "show <person-id>",
		Short: "Show a person's workload and the items counted in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBalancer(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config, svc *balance.Service) error {
				res, err := svc.PersonWorkload(ctx, args[0], iteration)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				s := res.Snapshot
				fmt.Printf("%s: %d%% (%g of %gh, %d active items) %s\n", res.Person.Name, s.Percentage, s.TotalHours, s.CapacityHours, s.ActiveItems, res.Band)
				tw := newTable("Item", "Title", "Status", "Priority", "Hours")
				for _, it := range res.Items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Status, it.Priority, formatHours(it.EstimatedHours)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&iteration, "iteration", "", "iteration id")
	return cmd
}

func workloadRebalanceCmd() *cobra.Command {
	var scope balance.Scope
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Move one item off every overloaded person in scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBalancer(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config, svc *balance.Service) error {
				actor := viper.GetString("actor-id")
				if err := (auth.Service{People: e.Repo}).Authorize(ctx, actor, nil, cfg.RBAC.RebalanceRoles, "workload.rebalance"); err != nil {
					return err
				}
				scope.ProjectID = cfg.Project.ID
				res, err := svc.RebalanceTeam(ctx, scope, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, mv := range res.Reassignments {
					fmt.Println(mv.Narrative)
				}
				for _, sk := range res.Skipped {
					fmt.Printf("skipped %s: %s\n", sk.PersonID, sk.Reason)
				}
				fmt.Printf("%d people checked, %d items moved", res.Processed, res.Rebalanced)
				if res.Partial {
					fmt.Print(" (interrupted)")
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&scope.IterationID, "iteration", "", "iteration id")
	return cmd
}

func newBalancer(e engine.Engine, cfg *config.Config) *balance.Service {
	return balance.New(e.Repo, balance.SettingsFromConfig(cfg),
		balance.WithLogger(e.Logger),
		balance.WithMetrics(e.Metrics),
		balance.WithAudit(e.Audit),
		balance.WithClock(e.Now),
	)
}

func withBalancer(ctx context.Context, fn func(context.Context, engine.Engine, *config.Config, *balance.Service) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
		return fn(ctx, e, cfg, newBalancer(e, cfg))
	})
}

// withItemBalancer uses the config of the item's own project rather than the
// default one.
func withItemBalancer(ctx context.Context, itemID string, fn func(context.Context, engine.Engine, *config.Config, *balance.Service, domain.WorkItem) error) error {
	return withRepo(ctx, func(ctx context.Context, e engine.Engine) error {
		item, err := e.Repo.GetWorkItem(ctx, itemID)
		if err != nil {
			return fmt.Errorf("work item %s: %w", itemID, err)
		}
		cfg, err := e.Repo.GetProjectConfig(ctx, item.ProjectID)
		if errors.Is(err, repo.ErrNotFound) {
			cfg = config.Default(item.ProjectID)
		} else if err != nil {
			return err
		}
		return fn(ctx, e, cfg, newBalancer(e, cfg), item)
	})
}

func printRecommendation(rec balance.Recommendation) {
	if rec.CurrentAssignee != nil {
		fmt.Printf("%s: current assignee %s at %d%%\n", rec.WorkItemID, rec.CurrentAssignee.PersonID, rec.CurrentAssignee.Percentage)
	}
	if !rec.Success {
		fmt.Printf("no recommendation: %s (%s)\n", rec.Reason, rec.Code)
		return
	}
	tw := newTable("Candidate", "Role", "Skill", "Workload", "Score")
	for _, c := range rec.Candidates {
		tw.AppendRow(table.Row{c.Name, c.Role, fmt.Sprintf("%d%%", c.SkillMatch), fmt.Sprintf("%d%%", c.Workload), c.Score})
	}
	tw.Render()
	fmt.Println(rec.Justification)
	if rec.RequiresConfirmation {
		fmt.Printf("%s priority: execute needs --confirm\n", rec.Priority)
	}
}
