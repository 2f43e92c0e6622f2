package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chainpay/internal/chain"
	"chainpay/internal/config"
	"chainpay/internal/server"
	"chainpay/internal/settlement"
	"chainpay/internal/topup"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "chainpay-api",
		Short: "Bill payment settlement service",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logrus.WithField("module", "main")

	var store settlement.Store = settlement.NewMemoryStore()
	if cfg.Postgres.DSN != "" {
		pgStore, err := settlement.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("settlement store: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		log.Warn("no POSTGRES_DSN configured, settlement records are in-memory only")
	}

	var executor chain.Executor = chain.FakeExecutor{}
	if cfg.Chain.PrivateKey != "" {
		ethExecutor, err := chain.NewEthExecutor(ctx, chain.EthExecutorConfig{
			RPCURL:              cfg.Chain.RPCURL,
			PrivateKeyHex:       cfg.Chain.PrivateKey,
			ContractAddress:     cfg.Chain.BillPaymentContract,
			ConfirmPollInterval: cfg.Chain.ConfirmPollInterval,
			ConfirmTimeout:      cfg.Chain.ConfirmTimeout,
		})
		if err != nil {
			return fmt.Errorf("chain executor: %w", err)
		}
		executor = ethExecutor
	} else {
		log.Warn("no CHAIN_PRIVATE_KEY configured, using fake executor")
	}

	auth := topup.NewAuthClient(topup.AuthConfig{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		AuthURL:      cfg.Provider.AuthURL,
		Audience:     cfg.Provider.Audience,
		HTTPTimeout:  cfg.Provider.HTTPTimeout,
		ExpirySlack:  cfg.Provider.TokenExpirySlack,
	})
	fulfiller := topup.NewClient(topup.ClientConfig{
		TopupURL: cfg.Provider.TopupURL,
		SenderPhone: topup.Phone{
			CountryCode: cfg.Provider.SenderCountryCode,
			Number:      cfg.Provider.SenderNumber,
		},
		HTTPTimeout: cfg.Provider.HTTPTimeout,
		Retry: topup.RetryConfig{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
	}, auth)

	orch := settlement.New(executor, fulfiller, store, operatorResolver(cfg.Provider), settlement.Config{
		MinCreditAmount:  cfg.Limits.MinCreditAmount,
		RecipientCountry: cfg.Provider.RecipientCountry,
	})

	apiServer := server.NewServer(cfg, orch, store, executor)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func operatorResolver(cfg config.ProviderConfig) settlement.OperatorResolver {
	return func(service settlement.ServiceType, network chain.Network) (int64, error) {
		var operators map[uint8]int64
		switch service {
		case settlement.ServiceAirtime:
			operators = cfg.AirtimeOperators
		case settlement.ServiceData:
			operators = cfg.DataOperators
		case settlement.ServiceElectricity:
			operators = cfg.ElectricityOperators
		default:
			return 0, fmt.Errorf("no operator catalogue for service %q", service)
		}
		operatorID, ok := operators[uint8(network)]
		if !ok {
			return 0, fmt.Errorf("no operator configured for %s on %s", service, network)
		}
		return operatorID, nil
	}
}
