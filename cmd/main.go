package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/chainstore/internal/app"
	"github.com/zzenonn/chainstore/internal/config"
	"github.com/zzenonn/chainstore/internal/logging"
)

var (
	cfg        *config.Config
	chainstore *app.App
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "chainstore",
	Short: "Store files on the BSV chain and read them back",
	Long: "chainstore splits a file into data transactions, links them with a manifest " +
		"transaction and reconstructs the file from the manifest TXID.",
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if chainstore != nil {
			if err := chainstore.Close(); err != nil {
				log.Warnf("Failed to close connections: %v", err)
			}
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to config.yaml")
	flags.String("log-level", "", "trace, debug, info, warn or error")
	flags.String("chain", "", "Chain backend: bitails or memory")
	flags.String("store", "", "Job store: dynamodb, postgres or memory")
	flags.String("network", "", "mainnet or testnet")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize and migrate the job store",
	Run: func(cmd *cobra.Command, args []string) {
		if err := chainstore.Migrator.MigrateDb(context.Background()); err != nil {
			fmt.Printf("Failed to migrate the job store: %v\n", err)
			return
		}
		fmt.Println("Job store initialized and migrated successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back job store migrations",
	Run: func(cmd *cobra.Command, args []string) {
		if err := chainstore.Migrator.MigrateDown(context.Background()); err != nil {
			fmt.Printf("Failed to roll back migrations: %v\n", err)
			return
		}
		fmt.Println("Job store migrations rolled back successfully")
	},
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(configPath, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)

	chainstore, err = app.Build(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(downCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
