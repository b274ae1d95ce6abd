package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved descriptor",
	Long: `Print the canonical form of the resolved descriptor. Secret values are
redacted. --digest prints only the sha256 recorded with each apply.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := resolveTopology(cmd)
		if err != nil {
			return err
		}

		if digestOnly, _ := cmd.Flags().GetBool("digest"); digestOnly {
			digest, err := topo.Digest()
			if err != nil {
				return err
			}
			fmt.Println(digest)
			return nil
		}

		out, err := topo.Render()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	configCmd.Flags().Bool("digest", false, "Print the descriptor digest only")
	configCmd.Flags().String("policy", "", "Override policy: strict, service-wins or override-wins")
}
