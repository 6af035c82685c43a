package cli

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"orthobatch/internal/catalog"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := toml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			_, err = root.out.Write(b)
			return err
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and the control-point catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := catalog.Resolve(root.cfg.Catalog.Layout, root.cfg.Catalog.Path, root.cfg.Gate.MinMarkers); err != nil {
				return err
			}
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newCatalogCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect control-point catalogs",
	}

	showCmd := &cobra.Command{
		Use:   "show [layout]",
		Short: "List the targets of the configured or named layout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, path := root.cfg.Catalog.Layout, root.cfg.Catalog.Path
			if len(args) > 0 {
				layout, path = args[0], ""
			}
			cat, err := catalog.Resolve(layout, path, 0)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, cat.Len())
			for _, label := range cat.Labels() {
				pt, _ := cat.Lookup(label)
				rows = append(rows, []string{
					label,
					fmt.Sprintf("%.4f", pt.Location.X),
					fmt.Sprintf("%.4f", pt.Location.Y),
					fmt.Sprintf("%.4f", pt.Location.Z),
					fmt.Sprintf("%g", pt.Accuracy.X),
				})
			}
			fmt.Fprintf(root.out, "%s (%d targets)\n", cat.Name(), cat.Len())
			fmt.Fprintln(root.out, renderTable([]string{"Label", "X", "Y", "Z", "Accuracy"}, rows, 2, 3, 4, 5))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the built-in layouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range catalog.BuiltinNames() {
				fmt.Fprintln(root.out, name)
			}
			return nil
		},
	}

	cmd.AddCommand(showCmd, listCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(root.out, "orthobatch %s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
			if !probe {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			v, err := root.newEngine(root.cfg.Engine, root.log).Version(ctx)
			if err != nil {
				return fmt.Errorf("query engine: %w", err)
			}
			fmt.Fprintf(root.out, "Engine %s (required %s)\n", v, root.cfg.Engine.RequiredVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "engine", false, "also ask the reconstruction engine for its version")
	return cmd
}
