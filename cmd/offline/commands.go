package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/offline"
	"github.com/forest6511/offline/pkg/config"
	"github.com/forest6511/offline/pkg/events"
	"github.com/forest6511/offline/pkg/types"
	"github.com/forest6511/offline/pkg/ui"
)

func newDownloadCmd(c *cli) *cobra.Command {
	var quality string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download lessons and wait for them to finish",
		Long: `Download lessons and wait for them to finish.

Interrupting the command pauses running downloads; continue them later with
"offline resume".`,
	}
	cmd.PersistentFlags().StringVar(&quality, "quality", string(types.QualitySD), "quality tier (audio, sd, hd)")

	cmd.AddCommand(&cobra.Command{
		Use:   "lesson <lesson-id>...",
		Short: "Download one or more lessons",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := types.ParseQuality(quality)
			if err != nil {
				return err
			}
			return c.runTasks(cmd.Context(), func(ctx context.Context, e *offline.Engine) ([]*types.DownloadTask, error) {
				var tasks []*types.DownloadTask
				for _, id := range args {
					task, err := e.DownloadLesson(ctx, id, q)
					if err != nil {
						return tasks, fmt.Errorf("lesson %s: %w", id, err)
					}
					tasks = append(tasks, task)
				}
				return tasks, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "module <module-id>",
		Short: "Download every lesson of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := types.ParseQuality(quality)
			if err != nil {
				return err
			}
			return c.runTasks(cmd.Context(), func(ctx context.Context, e *offline.Engine) ([]*types.DownloadTask, error) {
				return e.DownloadModule(ctx, args[0], q)
			})
		},
	})

	return cmd
}

func newResumeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>...",
		Short: "Resume paused downloads and wait for them to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runTasks(cmd.Context(), func(ctx context.Context, e *offline.Engine) ([]*types.DownloadTask, error) {
				var tasks []*types.DownloadTask
				for _, id := range args {
					task, err := e.Resume(ctx, id)
					if err != nil {
						return tasks, fmt.Errorf("task %s: %w", id, err)
					}
					tasks = append(tasks, task)
				}
				return tasks, nil
			})
		},
	}
}

// runTasks starts tasks with start, reports status changes and waits for
// every task. A cancelled context leaves running tasks paused.
func (c *cli) runTasks(ctx context.Context, start func(context.Context, *offline.Engine) ([]*types.DownloadTask, error)) error {
	e, err := c.openEngine(true)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	if !c.quiet {
		off := e.On(events.EventTaskStatus, func(ev events.Event) {
			c.info("%s (%s): %s", ev.Task.LessonID, ev.Task.ID, ev.To)
		})
		defer off()
	}

	tasks, startErr := start(ctx, e)
	if startErr != nil && len(tasks) == 0 {
		return startErr
	}

	var failed int
	for _, task := range tasks {
		final, err := e.Wait(ctx, task.ID)
		if err != nil {
			if ctx.Err() != nil {
				c.printer().PrintMessage(ui.MessageWarning, "interrupted, downloads paused; continue with \"%s resume\"", appName)
				return ctx.Err()
			}
			return err
		}

		switch final.Status {
		case types.StatusCompleted:
			c.success("%s downloaded (%s)", final.LessonID, ui.FormatSize(final.TotalSize))
		case types.StatusFailed:
			failed++
			c.printer().PrintMessage(ui.MessageError, "%s failed: %s", final.LessonID, final.Error)
		default:
			c.printer().PrintMessage(ui.MessageWarning, "%s is %s", final.LessonID, final.Status)
		}
	}

	if startErr != nil {
		return startErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(tasks))
	}
	return nil
}

func newCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>...",
		Short: "Cancel downloads and discard their partial data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			for _, id := range args {
				if err := e.Cancel(cmd.Context(), id); err != nil {
					return fmt.Errorf("task %s: %w", id, err)
				}
				c.success("cancelled %s", id)
			}
			return nil
		},
	}
}

func newTasksCmd(c *cli) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List download tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := make([]types.TaskStatus, len(statuses))
			for i, s := range statuses {
				filter[i] = types.TaskStatus(strings.ToLower(s))
			}

			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			tasks, err := e.ListTasks(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				c.info("no tasks")
				return nil
			}

			p := c.printer()
			table := p.NewTableFormatter([]string{"ID", "LESSON", "QUALITY", "STATUS", "PROGRESS", "SIZE", "ERROR"})
			for _, t := range tasks {
				table.AddRow(t.ID, t.LessonID, string(t.Quality), p.FormatStatus(t.Status),
					fmt.Sprintf("%.0f%%", t.Progress), ui.FormatSize(t.TotalSize), t.Error)
			}
			_, _ = fmt.Fprintln(c.out(), table.Format())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list tasks in these statuses")

	return cmd
}

func newLessonsCmd(c *cli) *cobra.Command {
	var module string

	cmd := &cobra.Command{
		Use:   "lessons",
		Short: "List lessons available offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			lessons, err := e.ListLessons(cmd.Context(), module)
			if err != nil {
				return err
			}
			if len(lessons) == 0 {
				c.info("no lessons stored")
				return nil
			}

			table := c.printer().NewTableFormatter([]string{"LESSON", "MODULE", "TITLE", "QUALITY", "SIZE", "DOWNLOADED"})
			for _, l := range lessons {
				table.AddRow(l.LessonID, l.ModuleID, l.Title, string(l.Quality), ui.FormatSize(l.Size),
					l.DownloadedAt.Local().Format("2006-01-02 15:04"))
			}
			_, _ = fmt.Fprintln(c.out(), table.Format())
			return nil
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "only list lessons of this module")

	return cmd
}

func newUsageCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show storage usage against the quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			u, err := e.GetStorageUsage(cmd.Context())
			if err != nil {
				return err
			}

			w := c.out()
			_, _ = fmt.Fprintf(w, "Used:      %s (%.1f%%)\n", ui.FormatSize(u.Used), u.PercentUsed)
			_, _ = fmt.Fprintf(w, "Available: %s\n", ui.FormatSize(u.Available))
			_, _ = fmt.Fprintf(w, "Quota:     %s\n", ui.FormatSize(u.Quota))
			_, _ = fmt.Fprintf(w, "Provider:  %s\n", u.Provider)
			return nil
		},
	}
}

func newEvictCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Remove lessons beyond the retention limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			res, err := e.Evict(cmd.Context())
			if err != nil {
				return err
			}
			if len(res.Evicted) == 0 {
				c.info("nothing to evict, %d lessons kept", res.Remaining)
				return nil
			}
			c.success("evicted %s, freed %s", strings.Join(res.Evicted, ", "), ui.FormatSize(res.Freed))
			return nil
		},
	}
}

func newClearCmd(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored lesson",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete every lesson without --yes")
			}

			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			n, freed, err := e.ClearCache(cmd.Context())
			if err != nil {
				return err
			}
			c.success("removed %d lessons, freed %s", n, ui.FormatSize(freed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	return cmd
}

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send queued progress, achievements and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			res, err := e.SyncWhenOnline(cmd.Context())
			for _, cat := range types.SyncCategories {
				if n := res.Synced[cat]; n > 0 {
					c.success("%s: %d synced", cat, n)
				}
			}
			for _, cat := range res.Deferred {
				c.printer().PrintMessage(ui.MessageWarning, "%s: deferred", cat)
			}
			return err
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.openEngine(false)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			s, err := e.GetSyncStatus(cmd.Context())
			if err != nil {
				return err
			}

			w := c.out()
			_, _ = fmt.Fprintf(w, "Status:  %s\n", s.Status)
			_, _ = fmt.Fprintf(w, "Pending: %d\n", s.Pending)

			cats := make([]string, 0, len(s.ByKind))
			for cat := range s.ByKind {
				cats = append(cats, string(cat))
			}
			sort.Strings(cats)
			for _, cat := range cats {
				_, _ = fmt.Fprintf(w, "  %-13s %d\n", cat, s.ByKind[types.SyncCategory(cat)])
			}

			if s.LastSync != nil {
				_, _ = fmt.Fprintf(w, "Last sync: %s\n", s.LastSync.Local().Format("2006-01-02 15:04:05"))
			}
			if s.Error != "" {
				_, _ = fmt.Fprintf(w, "Error:   %s\n", s.Error)
			}
			return nil
		},
	}
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := c.loader()
			if err != nil {
				return err
			}

			if _, err := os.Stat(loader.Path()); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", loader.Path())
			} else if err != nil && !stderrors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := loader.Save(config.DefaultConfig()); err != nil {
				return err
			}
			c.success("wrote %s", loader.Path())
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			enc := json.NewEncoder(c.out())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
