package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/config"
)

var (
	cfg         *config.Config
	countryFlag string
)

var rootCmd = &cobra.Command{
	Use:   "schoolmap",
	Short: "School connectivity feature pipeline",
	Long:  "Joins population, speedtest, cell-tower, advertising-reach, satellite and survey data onto school locations and saves versioned training sets.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if countryFlag != "" {
			c.Country = strings.ToUpper(countryFlag)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&countryFlag, "country", "", "ISO 3166-1 alpha-3 country code (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
