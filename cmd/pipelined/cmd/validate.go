package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mediarunner/pipelined/internal/capability"
	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/manifest"
	"github.com/mediarunner/pipelined/internal/node"
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	validateCmd.Flags().Bool("watch", false, "re-validate whenever the manifest file changes")
}

var validateCmd = &cobra.Command{
	Use:   "validate <manifest-path>",
	Short: "Parse a manifest, build its graph, and resolve node capabilities",
	Long: `validate compiles a manifest the same way the server does: parse,
schema-validate against the registered node types, build the DAG, and
resolve capability negotiation across every edge. It prints the
resolved graph as JSON and exits non-zero on the first failure.

With --watch, it re-runs on every write to the manifest file, for fast
iteration while authoring a manifest (spec §4.B, §4.C, §4.D).`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// validationResult is the JSON shape printed by validate.
type validationResult struct {
	Valid        bool                          `json:"valid"`
	Error        string                        `json:"error,omitempty"`
	Nodes        []string                      `json:"nodes,omitempty"`
	Sources      []string                      `json:"sources,omitempty"`
	Sinks        []string                      `json:"sinks,omitempty"`
	Capabilities map[string]*capability.Resolved `json:"capabilities,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	pretty, _ := cmd.Flags().GetBool("pretty")
	watch, _ := cmd.Flags().GetBool("watch")
	path := args[0]

	// No node-type factories are registered in this standalone CLI
	// invocation (serve builds its registry the same way), so
	// manifest.Validate reports UnknownNodeType for every node type.
	registry := node.NewCompositeRegistry(node.NewRegistry())

	result := validateOnce(path, registry)
	if err := printResult(result, pretty); err != nil {
		return err
	}
	if !watch {
		if !result.Valid {
			return fmt.Errorf("manifest invalid: %s", result.Error)
		}
		return nil
	}

	return watchManifest(cmd.Context(), path, registry, pretty)
}

func validateOnce(path string, registry *node.CompositeRegistry) validationResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return validationResult{Error: err.Error()}
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return validationResult{Error: fmt.Sprintf("parsing manifest: %v", err)}
	}
	if err := manifest.Validate(m, registry); err != nil {
		return validationResult{Error: err.Error()}
	}
	g, err := graph.Build(m)
	if err != nil {
		return validationResult{Error: err.Error()}
	}
	capCtx, err := capability.Resolve(g, registry)
	if err != nil {
		return validationResult{Error: err.Error()}
	}

	return validationResult{
		Valid:        true,
		Nodes:        g.Order,
		Sources:      g.Sources,
		Sinks:        g.Sinks,
		Capabilities: capCtx.All(),
	}
}

func printResult(result validationResult, pretty bool) error {
	var out []byte
	var err error
	if pretty {
		out, err = json.MarshalIndent(result, "", "  ")
	} else {
		out, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// watchManifest re-validates on every write to path, grounded on
// credswatcher.FsCredsWatcher's fsnotify event-loop shape.
func watchManifest(ctx context.Context, path string, registry *node.CompositeRegistry, pretty bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	logger := slog.Default()
	logger.Info("watching manifest for changes", slog.String("path", path))

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			result := validateOnce(path, registry)
			if err := printResult(result, pretty); err != nil {
				logger.Error("printing validation result", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", slog.Any("error", err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
