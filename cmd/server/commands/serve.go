package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/sensor-hub/internal/service_registry"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/benmeehan/sensor-hub/pkg/file"
	"github.com/benmeehan/sensor-hub/pkg/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device server until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		fileClient := file.NewFileService()
		config, err := utils.LoadConfig(configPath, fileClient)
		if err != nil {
			return err
		}

		log, err := logger.New(config.Logging)
		if err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}
		log.Info().Str("config", configPath).Str("version", Version).Msg("Configuration loaded")

		serviceRegistry := service_registry.NewServiceRegistry(fileClient, log)
		if err := serviceRegistry.RegisterServices(config); err != nil {
			return fmt.Errorf("failed to register services: %w", err)
		}
		if err := serviceRegistry.StartServices(); err != nil {
			return err
		}
		log.Info().Msg("All services started successfully")

		stopCh := make(chan os.Signal, 1)
		signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-stopCh

		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
		return serviceRegistry.StopServices()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if _, err := utils.LoadConfig(configPath, file.NewFileService()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
		return nil
	},
}
