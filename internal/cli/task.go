package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sadopc/doflow/internal/store"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Add and list tasks without the UI",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a task to the daily tasks or a list",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "Show the tasks of the daily tasks or a list",
	RunE:    runTaskList,
}

func init() {
	taskAddCmd.Flags().StringP("title", "t", "", "Task title (required)")
	taskAddCmd.Flags().Float64P("minutes", "m", 25, "Countdown length in minutes")
	taskAddCmd.Flags().StringP("list", "l", "", "List name or ID (default daily)")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringP("list", "l", "", "List name or ID (default daily)")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	minutes, _ := cmd.Flags().GetFloat64("minutes")
	list, _ := cmd.Flags().GetString("list")

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	c, name, err := resolveCollection(ctx, e.store, list)
	if err != nil {
		return err
	}
	task, err := e.store.CreateTask(ctx, c, strings.TrimSpace(title), int(minutes*60))
	if err != nil {
		return err
	}
	e.touch(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Added %q (%s) to %s\n", task.Title, task.Duration(), name)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	list, _ := cmd.Flags().GetString("list")

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	c, name, err := resolveCollection(ctx, e.store, list)
	if err != nil {
		return err
	}
	tasks, err := e.store.ListTasks(ctx, c)
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), name, tasks)
	return nil
}

// resolveCollection maps a --list value to a collection. Empty or "daily"
// means the daily tasks; otherwise a list is matched by ID, then by name
// ignoring case.
func resolveCollection(ctx context.Context, s *store.Store, ref string) (store.Collection, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, "daily") {
		return store.Daily, "Daily", nil
	}

	lists, err := s.ListLists(ctx)
	if err != nil {
		return store.Daily, "", err
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		for _, l := range lists {
			if l.ID == id {
				return store.ListCollection(l.ID), l.Name, nil
			}
		}
	}
	for _, l := range lists {
		if strings.EqualFold(l.Name, ref) {
			return store.ListCollection(l.ID), l.Name, nil
		}
	}
	return store.Daily, "", fmt.Errorf("no list named %q", ref)
}

func printTasks(w io.Writer, name string, tasks []store.Task) {
	fmt.Fprintf(w, "%s (%d tasks)\n", name, len(tasks))
	if len(tasks) == 0 {
		fmt.Fprintln(w, "  no tasks")
		return
	}
	for i, t := range tasks {
		mark := "[ ]"
		if t.Completed {
			mark = "[x]"
		}
		fmt.Fprintf(w, "  %2d. %s %-40s %s\n", i+1, mark, t.Title, t.Duration())
	}
}
