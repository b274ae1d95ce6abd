package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/topo/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "topo",
	Short: "topo - declarative service topologies on a single host",
	Long: `topo reads a compose-style descriptor of services, networks and volumes,
validates it, resolves its environment and materializes it on Docker or
containerd. Applying the same descriptor twice changes nothing.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("log-level")
		level, err := log.ParseLevel(name)
		if err != nil {
			return err
		}
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      level,
			JSONOutput: jsonOutput,
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"topo version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("file", "f", envDefault("TOPO_FILE", "topo.yaml"), "Descriptor file")
	flags.StringP("project", "p", os.Getenv("TOPO_PROJECT"), "Project name (default: the descriptor's name or directory)")
	flags.String("env-file", ".env", "Environment file read before the process environment")
	flags.String("runtime", envDefault("TOPO_RUNTIME", "docker"), "Container runtime: docker, containerd or memory")
	flags.String("docker-host", os.Getenv("DOCKER_HOST"), "Docker daemon address")
	flags.String("containerd-socket", envDefault("TOPO_CONTAINERD_SOCKET", "/run/containerd/containerd.sock"), "containerd socket")
	flags.String("containerd-namespace", envDefault("TOPO_CONTAINERD_NAMESPACE", "topo"), "containerd namespace")
	flags.String("state-dir", envDefault("TOPO_STATE_DIR", defaultStateDir()), "Directory holding volumes and apply history")
	flags.String("log-level", envDefault("TOPO_LOG_LEVEL", "warn"), "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(historyCmd)
}
