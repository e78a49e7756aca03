package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/logger"
	"github.com/spigell/hh-sieve/internal/policy"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the configured policies",
	Run: func(_ *cobra.Command, _ []string) {
		listPolicies()
	},
}

func init() {
	rootCmd.AddCommand(policiesCmd)
}

func listPolicies() {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	policies, err := policy.NewFileStore(config.PoliciesFile).List(context.Background())
	if err != nil {
		logger.Fatal("listing policies", zap.Error(err), zap.String("file", config.PoliciesFile))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUPDATED")
	for _, p := range policies {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}
