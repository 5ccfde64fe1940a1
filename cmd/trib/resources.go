package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tributary/internal/app"
	"tributary/internal/domain"
	"tributary/internal/engine"
	"tributary/internal/repo"
)

func tableCmd() *cobra.Command {
	tbl := &cobra.Command{Use: "table", Short: "Manage tables, partitions and dependencies"}
	tbl.AddCommand(tableDefineCmd())
	tbl.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTables(ctx)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Name", "Partitions", "Depends On", "Approval"}, func(t domain.Table) table.Row {
					return table.Row{t.ID, t.Name, partitionNames(t.Partitions), dependencyNames(t.Dependencies), t.RequiresApproval}
				})
			})
		},
	})
	tbl.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Show a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTable(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	})
	tbl.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Soft delete a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTable(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	tbl.AddCommand(tableAddPartitionCmd())
	tbl.AddCommand(tableAddDependencyCmd())
	tbl.AddCommand(tableResolveCmd())
	return tbl
}

type tablesFile struct {
	Tables []engine.TableSpec `json:"tables"`
}

func tableDefineCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Create or update tables from a YAML or JSON file",
		Example: `  trib table define -f tables.yml

  # tables.yml
  tables:
    - name: raw_events
      partitions: [{name: date, is_required: true}]
    - name: daily_rollup
      partitions: [{name: date}]
      dependencies: [{table: raw_events}]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc tablesFile
			if err := readSpecFile(file, &doc); err != nil {
				return err
			}
			if len(doc.Tables) == 0 {
				return fmt.Errorf("%s defines no tables", file)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.DefineTables(ctx, doc.Tables, actorID())
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Name", "Partitions", "Depends On"}, func(t domain.Table) table.Row {
					return table.Row{t.ID, t.Name, partitionNames(t.Partitions), dependencyNames(t.Dependencies)}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "tables file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tableAddPartitionCmd() *cobra.Command {
	var spec engine.PartitionSpec
	cmd := &cobra.Command{
		Use:   "add-partition TABLE",
		Short: "Declare a partition on a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AddPartition(ctx, args[0], spec, actorID())
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "partition name")
	cmd.Flags().StringVar(&spec.Type, "type", "", "value type hint")
	cmd.Flags().BoolVar(&spec.IsRequired, "required", false, "executions must bind this partition")
	cmd.Flags().BoolVar(&spec.SyncColumn, "sync-column", false, "mark as the sync column")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func tableAddDependencyCmd() *cobra.Command {
	var on string
	var optional bool
	cmd := &cobra.Command{
		Use:   "add-dependency TABLE",
		Short: "Make TABLE depend on another table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := engine.DependencySpec{Table: on}
			if optional {
				required := false
				spec.IsRequired = &required
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AddDependency(ctx, args[0], spec, actorID())
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&on, "on", "", "upstream table")
	cmd.Flags().BoolVar(&optional, "optional", false, "do not block readiness on this dependency")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func tableResolveCmd() *cobra.Command {
	var parts map[string]string
	cmd := &cobra.Command{
		Use:   "resolve TABLE",
		Short: "Check whether TABLE is ready for the given partition values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Resolve(ctx, args[0], parts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringToStringVarP(&parts, "partition", "p", nil, "partition value, name=value (repeatable)")
	return cmd
}

func executionCmd() *cobra.Command {
	exe := &cobra.Command{Use: "execution", Short: "Record and list table executions"}

	var parts map[string]string
	var source string
	record := &cobra.Command{
		Use:   "record TABLE",
		Short: "Record an execution and cascade to dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				src := source
				if src == "" {
					src = actorID()
				}
				res, err := e.RecordExecution(ctx, engine.RecordExecutionOptions{
					Table:      args[0],
					Source:     src,
					Partitions: parts,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("execution %s recorded\n", res.Execution.ID)
				fmt.Printf("cascade: %d dependent(s), ready %v, %d schedule(s), %d error(s)\n",
					len(res.Cascade.Dependents), res.Cascade.Ready, len(res.Cascade.Scheduled), res.Cascade.Errors)
				for _, f := range res.Cascade.Failures {
					fmt.Println("  failure:", f)
				}
				return nil
			})
		},
	}
	record.Flags().StringToStringVarP(&parts, "partition", "p", nil, "partition value, name=value (repeatable)")
	record.Flags().StringVar(&source, "source", "", "execution source (defaults to actor id)")
	exe.AddCommand(record)

	var limit int
	list := &cobra.Command{
		Use:   "list TABLE",
		Short: "List executions newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExecutions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "TS", "Source", "Partitions"}, func(x domain.TableExecution) table.Row {
					return table.Row{x.ID, x.TS, x.Source, formatValues(x.Values())}
				})
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions")
	exe.AddCommand(list)

	exe.AddCommand(&cobra.Command{
		Use:   "delete TABLE EXECUTION_ID",
		Short: "Soft delete an execution so resolution ignores it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteExecution(ctx, args[0], args[1], actorID()); err != nil {
					return err
				}
				fmt.Printf("execution %s deleted\n", args[1])
				return nil
			})
		},
	})
	return exe
}

func executorCmd() *cobra.Command {
	ex := &cobra.Command{Use: "executor", Short: "Manage task executors"}
	var spec engine.ExecutorSpec
	var method string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a task executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Method = domain.DispatchMethod(method)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.CreateTaskExecutor(ctx, spec, actorID())
				if err != nil {
					return err
				}
				return printJSON(x)
			})
		},
	}
	create.Flags().StringVar(&spec.Alias, "alias", "", "executor alias")
	create.Flags().StringVar(&method, "method", "", "step-function, queue, batch-job, function, event-bus or http")
	create.Flags().StringVar(&spec.Target, "target", "", "ARN, queue URL, job queue, event bus or URL")
	create.Flags().StringVar(&spec.RoleArn, "role-arn", "", "IAM role to assume before dispatching")
	_ = create.MarkFlagRequired("alias")
	_ = create.MarkFlagRequired("method")
	_ = create.MarkFlagRequired("target")
	ex.AddCommand(create)

	ex.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List task executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTaskExecutors(ctx)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Alias", "Method", "Target"}, func(x domain.TaskExecutor) table.Row {
					return table.Row{x.ID, x.Alias, x.Method, x.Target}
				})
			})
		},
	})
	return ex
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{Use: "task", Short: "Bind downstream tasks to tables"}
	var opts engine.BindTaskOptions
	var templateFile string
	bind := &cobra.Command{
		Use:   "bind TABLE",
		Short: "Bind a task to a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Table = args[0]
			opts.ActorID = actorID()
			if templateFile != "" {
				data, err := os.ReadFile(templateFile)
				if err != nil {
					return err
				}
				opts.PayloadTemplate = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tt, err := e.BindTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(tt)
			})
		},
	}
	bind.Flags().StringVar(&opts.Executor, "executor", "", "executor alias or id")
	bind.Flags().StringVar(&opts.Alias, "alias", "", "task alias")
	bind.Flags().StringVar(&opts.PayloadTemplate, "template", "", "payload template")
	bind.Flags().StringVar(&templateFile, "template-file", "", "read the payload template from a file")
	bind.Flags().IntVar(&opts.DebounceSeconds, "debounce", 0, "seconds to wait for further upstream runs")
	_ = bind.MarkFlagRequired("executor")
	_ = bind.MarkFlagRequired("alias")
	tsk.AddCommand(bind)

	tsk.AddCommand(&cobra.Command{
		Use:   "list TABLE",
		Short: "List a table's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTaskTables(ctx, args[0])
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Alias", "Executor", "Debounce"}, func(t domain.TaskTable) table.Row {
					return table.Row{t.ID, t.Alias, t.TaskExecutorID, fmt.Sprintf("%ds", t.DebounceSeconds)}
				})
			})
		},
	})
	tsk.AddCommand(&cobra.Command{
		Use:   "unbind TABLE ALIAS",
		Short: "Remove a task binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.UnbindTask(ctx, args[0], args[1], actorID()); err != nil {
					return err
				}
				fmt.Println("unbound", args[1])
				return nil
			})
		},
	})
	return tsk
}

func scheduleCmd() *cobra.Command {
	sch := &cobra.Command{Use: "schedule", Short: "Inspect and drive task schedules"}

	var q engine.ScheduleQuery
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Status = domain.ScheduleStatus(strings.ToUpper(status))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSchedules(ctx, q)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Alias", "Status", "Fire At", "Dispatch"}, func(s domain.TaskSchedule) table.Row {
					return table.Row{s.ID, s.UniqueAlias, s.Status, s.FireAt, s.DispatchRef}
				})
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "PENDING, WAITING_APPROVAL, IN_PROGRESS, COMPLETED or FAILED")
	list.Flags().StringVar(&q.Table, "table", "", "only schedules of this table")
	list.Flags().StringVar(&q.TaskTableID, "task", "", "only schedules of this task binding id")
	list.Flags().StringVar(&q.UniqueAlias, "alias", "", "only schedules with this unique alias")
	list.Flags().IntVarP(&q.Limit, "limit", "n", 50, "number of schedules")
	sch.AddCommand(list)

	sch.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show a schedule and its approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	})
	sch.AddCommand(&cobra.Command{
		Use:   "fire ID",
		Short: "Fire a pending schedule now, as its timer would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DispatchOnFire(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	})

	var opts engine.FinishSuccessOptions
	succeed := &cobra.Command{
		Use:   "succeed ID",
		Short: "Report that a schedule's task succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ScheduleID = args[0]
			opts.ActorID = actorID()
			if !cmd.Flags().Changed("partition") {
				opts.ResultPartitions = nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.FinishWithSuccess(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	succeed.Flags().StringVar(&opts.ResultExecutionID, "execution", "", "link an execution recorded elsewhere")
	succeed.Flags().StringToStringVarP(&opts.ResultPartitions, "partition", "p", nil, "record a result execution with these values")
	succeed.Flags().StringVar(&opts.Source, "source", "", "source of the recorded result execution")
	sch.AddCommand(succeed)

	var message string
	fail := &cobra.Command{
		Use:   "fail ID",
		Short: "Report that a schedule's task failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.FinishWithError(ctx, args[0], message, actorID())
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	fail.Flags().StringVarP(&message, "message", "m", "", "failure message")
	sch.AddCommand(fail)
	return sch
}

func approvalCmd() *cobra.Command {
	apr := &cobra.Command{Use: "approval", Short: "Review schedules of tables that require approval"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApprovals(ctx, domain.ApprovalState(strings.ToLower(status)), limit)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Schedule", "Status", "Requested", "Approver"}, func(a domain.ApprovalStatus) table.Row {
					approver := ""
					if a.Approver != nil {
						approver = *a.Approver
					}
					return table.Row{a.ID, a.TaskScheduleID, a.Status, a.RequestedAt, approver}
				})
			})
		},
	}
	list.Flags().StringVar(&status, "status", "pending", "pending, approved or rejected; empty for all")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "number of approvals")
	apr.AddCommand(list)

	review := func(use, short string, fn func(engine.Engine) func(context.Context, string, string) (engine.ApprovalResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					res, err := fn(e)(ctx, args[0], actorID())
					if err != nil {
						return err
					}
					return printJSON(res)
				})
			},
		}
	}
	apr.AddCommand(review("approve", "Approve and arm the schedule", func(e engine.Engine) func(context.Context, string, string) (engine.ApprovalResult, error) {
		return e.Approve
	}))
	apr.AddCommand(review("reject", "Reject and fail the schedule", func(e engine.Engine) func(context.Context, string, string) (engine.ApprovalResult, error) {
		return e.Reject
	}))
	return apr
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"TS", "Type", "Entity", "Actor", "Payload"}, func(evt domain.Event) table.Row {
					return table.Row{evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.Before, "before", "", "only events older than this event id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for pipelines and schedulers"}
	var actor, name string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				k, err := a.Auth.IssueAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(k)
				}
				fmt.Printf("id:  %s\nkey: %s\n", k.ID, k.Key)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	issue.Flags().StringVar(&name, "name", "", "label")
	_ = issue.MarkFlagRequired("actor")
	keys.AddCommand(issue)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List an actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Auth.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Actor", "Name", "Created"}, func(k domain.APIKey) table.Row {
					return table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt}
				})
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor id")
	_ = list.MarkFlagRequired("actor")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Auth.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return keys
}

// printList renders items as a table, or as JSON with --json.
func printList[T any](items []T, header table.Row, row func(T) table.Row) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []T{}
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	for _, it := range items {
		tw.AppendRow(row(it))
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func partitionNames(parts []domain.Partition) string {
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		n := p.Name
		if p.IsRequired {
			n += "*"
		}
		names = append(names, n)
	}
	return strings.Join(names, ",")
}

func dependencyNames(deps []domain.Dependency) string {
	names := make([]string, 0, len(deps))
	for _, d := range deps {
		n := d.DependsOnTableName
		if n == "" {
			n = d.DependsOnTableID
		}
		if !d.IsRequired {
			n += "?"
		}
		names = append(names, n)
	}
	return strings.Join(names, ",")
}

func formatValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values[k])
	}
	return strings.Join(pairs, " ")
}
