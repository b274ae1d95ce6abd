package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/topo/pkg/deploy"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List the project's containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := loadTopology(cmd)
		if err != nil {
			return err
		}
		rt, err := newRuntime(cmd, topo)
		if err != nil {
			return err
		}
		defer rt.Close()

		states, err := deploy.NewDeployer(rt).Status(cmd.Context(), topo.Project())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Printf("No containers for project %s\n", topo.Project())
			return nil
		}

		rows := make([][]string, 0, len(states))
		for _, s := range states {
			ports := make([]string, 0, len(s.Ports))
			for _, p := range s.Ports {
				ports = append(ports, p.String())
			}
			rows = append(rows, []string{s.Service, short(s.ID, 12), string(s.State), s.Image, strings.Join(ports, ",")})
		}
		printTable(os.Stdout, []string{"SERVICE", "CONTAINER", "STATE", "IMAGE", "PORTS"}, rows)
		return nil
	},
}
