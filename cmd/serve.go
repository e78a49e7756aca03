package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/logger"
	"github.com/spigell/hh-sieve/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve classification requests over HTTP",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default is server.addr from the config)")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func serve() {
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

	if !viper.GetBool("debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApplication(ctx, config, logger)
	if err != nil {
		logger.Fatal("building the application", zap.Error(err))
	}
	defer a.Close()

	srv := server.New(config.Server, server.Deps{
		Runner:      a.engine,
		Records:     a.store,
		Policies:    a.policies,
		Sources:     a.sources,
		Metrics:     a.metrics.Handler(),
		Middleware:  []gin.HandlerFunc{a.metrics.Middleware()},
		PingTimeout: config.Store.PingTimeout,
		Logger:      logger,
	})

	logger.Info("starting the hh-sieve server", zap.String("version", version), zap.String("addr", config.Server.Addr))

	if err := srv.Run(ctx); err != nil {
		a.Close()
		logger.Fatal("server failed", zap.Error(err))
	}
}
