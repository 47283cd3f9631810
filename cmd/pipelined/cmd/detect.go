package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediarunner/pipelined/internal/node"
	"github.com/mediarunner/pipelined/internal/nodehost"
)

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
	detectCmd.Flags().StringSlice("node-type", nil, "node type(s) to probe for a subprocess binary (default: all registered types)")
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect container runtime and node worker binary availability",
	Long: `detect probes whether this host can spawn out-of-process nodes:
Docker connectivity for container-hosted nodes, and, for each named
node type, whether its subprocess worker binary can be found via the
"<NODE_TYPE>_BINARY" environment variable, ./<type> in the working
directory, or PATH (spec §4.G).

Examples:
  pipelined detect --node-type transcode --node-type thumbnail
  pipelined detect --pretty`,
	RunE: runDetect,
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	pretty, _ := cmd.Flags().GetBool("pretty")
	nodeTypes, _ := cmd.Flags().GetStringSlice("node-type")

	if len(nodeTypes) == 0 {
		registry := node.NewCompositeRegistry(node.NewRegistry())
		nodeTypes = registry.ListTypes()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	host := nodehost.NewHost(nodehost.Config{Logger: slog.Default()})
	result := host.DetectRuntime(ctx, nodeTypes)

	var out []byte
	var err error
	if pretty {
		out, err = json.MarshalIndent(result, "", "  ")
	} else {
		out, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("marshaling detection result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
