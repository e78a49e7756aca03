package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/filtering"
	"github.com/spigell/hh-sieve/internal/logger"
)

var errNoChoice = errors.New("nothing to choose from")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Classify the postings of a source against a policy and print the result",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("policy", "p", "", "policy id to classify against")
	runCmd.Flags().StringP("source", "s", "", "source id to take postings from")
}

// run is the one-shot command: a single orchestration run printed as JSON.
func run(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the hh-sieve", zap.String("version", version))

	a, err := newApplication(ctx, config, logger)
	if err != nil {
		logger.Fatal("building the application", zap.Error(err))
	}
	defer a.Close()

	req := filtering.Request{}
	req.PolicyID, _ = cmd.Flags().GetString("policy")
	req.SourceID, _ = cmd.Flags().GetString("source")

	if req.PolicyID == "" {
		policies, err := a.policies.List(ctx)
		if err != nil {
			logger.Fatal("listing policies", zap.Error(err))
		}
		ids := make([]string, 0, len(policies))
		for _, p := range policies {
			ids = append(ids, p.ID)
		}
		if req.PolicyID, err = choose("Policy", ids); err != nil {
			logger.Fatal("choosing a policy", zap.Error(err), zap.String("hint", "pass --policy"))
		}
	}

	if req.SourceID == "" {
		if req.SourceID, err = choose("Source", a.sources.IDs()); err != nil {
			logger.Fatal("choosing a source", zap.Error(err), zap.String("hint", "pass --source"))
		}
	}

	res, err := a.engine.Run(ctx, req)
	if err != nil {
		a.Close()
		logger.Fatal("run failed",
			zap.Error(err),
			zap.String("reason", filtering.Reason(err)),
			zap.Int("status", filtering.StatusCode(err)),
		)
	}

	logger.Info("run finished",
		zap.String("run_id", res.RunID),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("errored", len(res.Errored)),
	)

	pretty, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		logger.Fatal("encoding result", zap.Error(err))
	}
	fmt.Fprintln(os.Stdout, string(pretty))
}

// choose asks the user to pick one of items. Without a terminal the caller must pass a flag instead.
func choose(label string, items []string) (string, error) {
	if len(items) == 0 {
		return "", errNoChoice
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", fmt.Errorf("%s is not set and stdin is not a terminal", label)
	}

	prompt := promptui.Select{Label: label, Items: items}
	_, choice, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return choice, nil
}
