package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/devloop/internal/config"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [path...]",
		Short: "List every non-internal task, its description, and its tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false, args...)
			if err != nil {
				return err
			}

			names := make([]string, 0)
			all := a.graph.AllTasks()
			for name, t := range all {
				if t.IsInternal() {
					continue
				}
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				t := all[name]
				desc := ""
				if t.Description != nil {
					desc = *t.Description
				}
				line := name
				if desc != "" {
					line += " - " + desc
				}
				if len(t.Tags) > 0 {
					line += fmt.Sprintf(" [%s]", strings.Join(t.Tags, ", "))
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				if t.GetType() == config.TaskTypeOneof {
					for _, opt := range t.Options {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", name, opt.Name)
					}
				}
			}
			return nil
		},
	}
}
