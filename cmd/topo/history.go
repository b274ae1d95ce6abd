package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [project]",
	Short: "Show the apply history of a project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var project string
		if len(args) == 1 {
			project = args[0]
		} else {
			topo, err := loadTopology(cmd)
			if err != nil {
				return err
			}
			project = topo.Project()
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		revs, err := store.ListRevisions(project)
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			fmt.Printf("No applies recorded for %s\n", project)
			return nil
		}

		rows := make([][]string, 0, len(revs))
		for _, rev := range revs {
			result := "ok"
			if !rev.Succeeded {
				result = "failed"
			}
			summary := ""
			for i, s := range rev.Services {
				if i > 0 {
					summary += " "
				}
				summary += fmt.Sprintf("%s=%s", s.Name, s.Status)
			}
			rows = append(rows, []string{
				short(rev.ID, 8), rev.AppliedAt.Local().Format(time.DateTime), rev.Runtime, result, short(rev.Digest, 12), summary,
			})
		}
		printTable(os.Stdout, []string{"REVISION", "APPLIED", "RUNTIME", "RESULT", "DIGEST", "SERVICES"}, rows)
		return nil
	},
}
