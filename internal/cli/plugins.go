package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/shipyard/pkg/plugin"
)

var pluginsDescribe bool

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the configured tool plugins",
	Long: `List the tool plugins declared in the config.

With --describe each plugin is started and asked for its name, version
and the stage kinds it serves.`,
	RunE: runPlugins,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.Flags().BoolVar(&pluginsDescribe, "describe", false, "start each plugin and show its metadata")
}

// PluginOutput is one entry of the plugins command JSON output.
type PluginOutput struct {
	Name string       `json:"name"`
	Path string       `json:"path"`
	Info *plugin.Info `json:"info,omitempty"`
	Err  string       `json:"error,omitempty"`
}

func runPlugins(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, err := newContainer(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	m, err := c.LoadPlugins()
	if err != nil {
		return err
	}
	if m == nil {
		if outputJSON {
			return writeJSON([]PluginOutput{})
		}
		printInfo("No plugins configured")
		return nil
	}

	entries := make([]PluginOutput, 0, len(m.Names()))
	for _, name := range m.Names() {
		pc, _ := cfg.PluginByName(name)
		entry := PluginOutput{Name: name, Path: pc.Path}
		if pluginsDescribe {
			info, err := m.Describe(ctx, name)
			if err != nil {
				entry.Err = err.Error()
			} else {
				entry.Info = &info
			}
		}
		entries = append(entries, entry)
	}

	if outputJSON {
		return writeJSON(entries)
	}

	printTitle("Plugins")
	for _, e := range entries {
		line := fmt.Sprintf("  %s %s", styles.Bold.Render(e.Name), styles.Subtle.Render(e.Path))
		switch {
		case e.Err != "":
			line += "\n    " + styles.Error.Render(e.Err)
		case e.Info != nil:
			kinds := make([]string, 0, len(e.Info.Kinds))
			for _, k := range e.Info.Kinds {
				kinds = append(kinds, string(k))
			}
			if len(kinds) == 0 {
				kinds = append(kinds, "any")
			}
			line += fmt.Sprintf("\n    %s %s  %s", e.Info.Version, styles.Subtle.Render(e.Info.Description),
				styles.Info.Render(strings.Join(kinds, ", ")))
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}
