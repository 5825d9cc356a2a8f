package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/georgeshao/prompt-relay/internal/config"
	"github.com/georgeshao/prompt-relay/internal/logger"
	"github.com/georgeshao/prompt-relay/internal/mainnode"
	"github.com/georgeshao/prompt-relay/internal/secure"
)

var version = "dev"

func main() {
	var configPath, port string

	rootCmd := &cobra.Command{
		Use:           "prompt-relay",
		Short:         "Encrypted asynchronous prompt execution node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to an env-style config file (default .env)")
	rootCmd.PersistentFlags().StringVar(&port, "port", "", "Listen port, overrides PORT")

	load := func() (*config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		if port != "" {
			cfg.Port = port
		}
		if err := cfg.Validate(); err != nil {
			return nil, zerolog.Nop(), err
		}
		return cfg, logger.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat), nil
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(submitCmd(load))
	rootCmd.AddCommand(migrateCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, zerolog.Logger, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the execution node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg, log)
			if err != nil {
				return err
			}
			return app.run(ctx)
		},
	}
}

func submitCmd(load loader) *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "submit <source-id>",
		Short: "Encrypt a prompt and hand it to an execution node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}

			target := cfg.ExecutionURL
			if target == "" {
				target = "http://127.0.0.1" + cfg.ListenAddr()
			}

			source := mainnode.NewStaticSource(map[string]string{args[0]: prompt})
			cipher := secure.NewCipher(secure.StaticKeySource{Key: cfg.EncryptionKey, Salt: cfg.EncryptionSalt})
			submitter := mainnode.NewSubmitter(source, cipher, mainnode.SubmitterConfig{
				ExecutionURL:    target,
				RequestIDPrefix: cfg.RequestIDPrefix,
			}, log)

			resp, err := submitter.Submit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Plaintext prompt to submit")
	return cmd
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the record schema for the configured driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			log.Info().Str("driver", cfg.StorageDriver).Msg("schema up to date")
			return store.Close()
		},
	}
}
