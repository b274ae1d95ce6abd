package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/topo/pkg/descriptor"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a descriptor without touching the runtime",
	Long: `Load and validate the descriptor: identities, host ports, network and
volume references, dependencies and healthchecks. With --resolve the
environment is resolved as well, so missing required variables are reported.

Examples:
  topo validate -f topo.yaml
  topo validate --resolve --env-file prod.env`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolve, _ := cmd.Flags().GetBool("resolve")

		var topo *descriptor.Topology
		var err error
		if resolve {
			topo, err = resolveTopology(cmd)
		} else {
			topo, err = loadTopology(cmd)
		}
		if err != nil {
			return err
		}

		d := topo.Descriptor
		fmt.Printf("✓ %s is %s: %d services, %d networks, %d volumes\n",
			d.Name, topo.State(), len(d.Services), len(d.Networks), len(d.Volumes))
		return nil
	},
}

func init() {
	validateCmd.Flags().Bool("resolve", false, "Also resolve the environment")
	validateCmd.Flags().String("policy", "", "Override policy: strict, service-wins or override-wins")
}
