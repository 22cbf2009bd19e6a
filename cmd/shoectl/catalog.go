package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	domain "github.com/shoe-studio/api/internal/domain"
)

func newCatalogCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the product catalog",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that every part has a rule and every rule names catalog colors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(file) != "" {
				flags.v.Set("catalog", file)
			}
			return runCatalogValidate(cmd, flags)
		},
	}
	validate.Flags().StringVarP(&file, "file", "f", "", "Catalog YAML file to validate")

	cmd.AddCommand(validate)
	return cmd
}

func runCatalogValidate(cmd *cobra.Command, flags *rootFlags) error {
	cat, err := flags.loadCatalog()
	if err != nil {
		return fmt.Errorf("catalog invalid: %w", err)
	}
	shape, err := cat.OutputShape()
	if err != nil {
		return fmt.Errorf("catalog invalid: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "catalog ok: %d parts, %d colors, baseline %s, default part %s\n",
		len(shape), len(cat.Colors()), cat.BaselineColor(), cat.DefaultPart())
	return nil
}

func newPaletteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "palette <part>",
		Short: "List the colors a part may take, in preference order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := flags.loadCatalog()
			if err != nil {
				return err
			}
			colors, err := cat.AvailableColors(domain.PartID(strings.TrimSpace(args[0])))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tHEX")
			for _, color := range colors {
				fmt.Fprintf(w, "%s\t%s\t%s\n", color.ID, color.Name, color.Hex)
			}
			return w.Flush()
		},
	}
}
