package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/repo"
)

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items are stories, tasks, bugs and epics; subtasks hang one level below a story, task or bug. A parent moves to in_progress when work starts below it and to done when every child is done.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemDeleteCmd())
	item.AddCommand(itemTreeCmd())
	item.AddCommand(itemChildCmd())
	item.AddCommand(itemStatusCmd())
	item.AddCommand(itemBulkStatusCmd())
	item.AddCommand(itemMoveCmd())
	item.AddCommand(itemHistoryCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	var points, hours float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				opts.ProjectID = cfg.Project.ID
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("points") {
					opts.StoryPoints = &points
				}
				if cmd.Flags().Changed("hours") {
					opts.EstimatedHours = &hours
				}
				item, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", domain.TypeTask, "story, task, bug, epic or subtask")
	cmd.Flags().StringVar(&opts.Priority, "priority", domain.PriorityMedium, "lowest, low, medium, high or highest")
	cmd.Flags().StringVar(&opts.IterationID, "iteration", "", "iteration id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent id (creates a subtask)")
	cmd.Flags().Float64Var(&points, "points", 0, "story points")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "required skill tag (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Assignees, "assignee", nil, "assignee person id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				f.ProjectID = cfg.Project.ID
				items, err := e.Repo.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Title", "Status", "Priority", "Hours", "Assignees", "Parent")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Type, it.Title, it.Status, it.Priority, formatHours(it.EstimatedHours), strings.Join(it.Assignees, ","), deref(it.ParentID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.IterationID, "iteration", "", "iteration filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "hide done items")
	cmd.Flags().BoolVar(&f.TopLevel, "top-level", false, "items without a parent only")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max items")
	return cmd
}

func itemGetCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.GetWorkItem(ctx, args[0], history)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include field history")
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var title, desc, typ, priority, iteration string
	var points, hours float64
	var tags, assignees []string
	var version int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a work item; only the flags given change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.WorkItemUpdateOptions{ID: args[0], ExpectedVersion: version, ActorID: viper.GetString("actor-id")}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("description") {
				opts.Description = &desc
			}
			if flags.Changed("type") {
				opts.Type = &typ
			}
			if flags.Changed("priority") {
				opts.Priority = &priority
			}
			if flags.Changed("iteration") {
				opts.IterationID = &iteration
			}
			if flags.Changed("points") {
				opts.StoryPoints = &points
			}
			if flags.Changed("hours") {
				opts.EstimatedHours = &hours
			}
			if flags.Changed("tag") {
				opts.Tags = &tags
			}
			if flags.Changed("assignee") {
				opts.Assignees = &assignees
			}
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.UpdateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", "", "type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&iteration, "iteration", "", "iteration id (empty clears)")
	cmd.Flags().Float64Var(&points, "points", 0, "story points")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().StringSliceVar(&assignees, "assignee", nil, "replace assignees (repeatable)")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail if the item changed since this version")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a work item without children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeleteWorkItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printHierarchy(res)
			})
		},
	}
}

func itemTreeCmd() *cobra.Command {
	var iteration, status string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the work item tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilter{ProjectID: cfg.Project.ID, IterationID: iteration})
				if err != nil {
					return err
				}
				nodes := map[string][]domain.WorkItem{}
				var roots []domain.WorkItem
				for _, it := range items {
					if it.ParentID != nil {
						nodes[*it.ParentID] = append(nodes[*it.ParentID], it)
					} else if status == "" || it.Status == status {
						roots = append(roots, it)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Item     domain.WorkItem `json:"item"`
						Children []Node          `json:"children,omitempty"`
					}
					var build func(it domain.WorkItem) Node
					build = func(it domain.WorkItem) Node {
						var children []Node
						for _, c := range nodes[it.ID] {
							children = append(children, build(c))
						}
						return Node{Item: it, Children: children}
					}
					var tree []Node
					for _, r := range roots {
						tree = append(tree, build(r))
					}
					return printJSON(tree)
				}
				for i, r := range roots {
					printItemTree(r, nodes, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&iteration, "iteration", "", "iteration filter")
	cmd.Flags().StringVar(&status, "status", "", "root status filter")
	return cmd
}

func itemChildCmd() *cobra.Command {
	var opts engine.ChildCreateOptions
	var points, hours float64
	cmd := &cobra.Command{
		Use:   "child <parent-id>",
		Short: "Create a subtask under a parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("points") {
				opts.StoryPoints = &points
			}
			if cmd.Flags().Changed("hours") {
				opts.EstimatedHours = &hours
			}
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateChild(ctx, args[0], opts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printHierarchy(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "subtask id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (defaults to the parent's)")
	cmd.Flags().Float64Var(&points, "points", 0, "story points")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "required skill tag (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Assignees, "assignee", nil, "assignee person id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set an item's status and re-derive its parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateChildStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printHierarchy(res)
			})
		},
	}
}

func itemBulkStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-status <parent-id> <status>",
		Short: "Set every child's status in one transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.BulkUpdateChildrenStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("updated %d of %d children; parent %s is %s\n", res.Updated, len(res.Children), res.Parent.ID, res.Parent.Status)
				printStatusChanges(res.ParentChanges)
				return nil
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	var parent string
	var top bool
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move an item under another parent, or to top level with --top",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parent == "" && !top {
				return fmt.Errorf("--parent or --top is required")
			}
			if top {
				parent = ""
			}
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MoveChild(ctx, args[0], parent, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printHierarchy(res)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "new parent id")
	cmd.Flags().BoolVar(&top, "top", false, "detach to top level")
	return cmd
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show an item's field history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("Time", "Field", "Old", "New", "Actor", "Reason")
				for _, h := range entries {
					tw.AppendRow(table.Row{h.TS, h.Field, h.OldValue, h.NewValue, h.ActorID, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printHierarchy(res engine.HierarchyResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	it := res.Item
	fmt.Printf("%s [%s] %s (%s)\n", it.ID, it.Type, it.Title, it.Status)
	printStatusChanges(res.ParentChanges)
	return nil
}

func printStatusChanges(changes []engine.StatusChange) {
	for _, c := range changes {
		fmt.Fprintf(os.Stdout, "  parent %s: %s -> %s\n", c.WorkItemID, c.From, c.To)
	}
}

func printItemTree(it domain.WorkItem, children map[string][]domain.WorkItem, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	assignees := ""
	if len(it.Assignees) > 0 {
		assignees = " @" + strings.Join(it.Assignees, ",")
	}
	fmt.Printf("%s%s%s [%s]%s\n", prefix, connector, it.Title, it.Status, assignees)
	for i, c := range children[it.ID] {
		printItemTree(c, children, newPrefix, i == len(children[it.ID])-1)
	}
}
