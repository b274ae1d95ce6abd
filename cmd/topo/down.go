package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/topo/pkg/deploy"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop and remove the project's containers and networks",
	Long: `Stop and remove the project's containers, dependents first, then its
networks. Named volumes are kept unless --volumes is given. External
networks and volumes are never removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		removeVolumes, _ := cmd.Flags().GetBool("volumes")
		stopTimeout, _ := cmd.Flags().GetDuration("stop-timeout")

		topo, err := loadTopology(cmd)
		if err != nil {
			return err
		}
		rt, err := newRuntime(cmd, topo)
		if err != nil {
			return err
		}
		defer rt.Close()

		report, err := deploy.NewDeployer(rt).Down(cmd.Context(), topo, deploy.DownOptions{
			RemoveVolumes: removeVolumes,
			StopTimeout:   stopTimeout,
		})
		if report != nil {
			for _, s := range report.Services {
				fmt.Printf("✓ removed service %s\n", s)
			}
			for _, n := range report.Networks {
				fmt.Printf("✓ removed network %s\n", n)
			}
			for _, v := range report.Volumes {
				fmt.Printf("✓ removed volume %s\n", v)
			}
		}
		return err
	},
}

func init() {
	downCmd.Flags().Bool("volumes", false, "Also remove named volumes")
	downCmd.Flags().Duration("stop-timeout", 10*time.Second, "Grace period before containers are killed")
}
