package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shoe-studio/api/internal/catalog"
)

// rootFlags resolves every flag through viper so values can also come from SHOECTL_*
// environment variables or a --config YAML file. Explicit flags win.
type rootFlags struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "shoectl",
		Short:         "shoectl inspects the shoe catalog and drives the generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return flags.bind(cmd)
		},
	}

	cmd.PersistentFlags().String("catalog", "", "Catalog YAML file (defaults to the built-in catalog)")
	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML file of flag values keyed by flag name")

	cmd.AddCommand(newCatalogCmd(flags))
	cmd.AddCommand(newPaletteCmd(flags))
	cmd.AddCommand(newGenerateCmd(flags))

	return cmd
}

func (f *rootFlags) bind(cmd *cobra.Command) error {
	f.v.SetEnvPrefix("shoectl")
	f.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	f.v.AutomaticEnv()
	// The server's variable keeps one secret for both sides of the signed call.
	if err := f.v.BindEnv("signing-secret", "SHOECTL_SIGNING_SECRET", "API_GENERATION_SIGNING_SECRET"); err != nil {
		return err
	}
	if err := f.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if f.configFile == "" {
		return nil
	}
	f.v.SetConfigFile(f.configFile)
	if err := f.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", f.configFile, err)
	}
	return nil
}

func (f *rootFlags) loadCatalog() (*catalog.Catalog, error) {
	if path := strings.TrimSpace(f.v.GetString("catalog")); path != "" {
		return catalog.LoadFile(path)
	}
	return catalog.Default()
}
