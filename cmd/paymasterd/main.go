// paymasterd runs the paymaster accounting engine behind its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blndgs/paymaster"
	"github.com/blndgs/paymaster/api"
	"github.com/blndgs/paymaster/config"
	"github.com/blndgs/paymaster/storage/leveldb"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "configuration file (toml, yaml or json)",
	EnvVars: []string{config.EnvPrefix + "_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:   "paymasterd",
		Usage:  "ERC-4337 paymaster sponsorship and token payment service",
		Flags:  []cli.Flag{configFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if err := cfg.SetupLogger(); err != nil {
		return err
	}
	signer, err := cfg.Signer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *ethclient.Client
	if cfg.RPCURL != "" {
		if client, err = ethclient.DialContext(ctx, cfg.RPCURL); err != nil {
			return fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
		}
		defer client.Close()
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := paymaster.SponsorshipDeps{
		Store: store,
		Sink:  paymaster.NewMemoryDepositSink(),
		Vault: paymaster.NewMemoryTokenVault(cfg.SponsorshipPaymaster(signer.Address()).Address),
	}
	if client != nil {
		deps.Code = client
	}
	sponsorship, err := paymaster.NewSponsorshipPaymaster(ctx, cfg.SponsorshipPaymaster(signer.Address()), deps)
	if err != nil {
		return err
	}
	token, err := newTokenPaymaster(ctx, cfg, signer, client)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(sponsorship, token, signer)
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.API.Addr)
}

func openStore(cfg config.StorageConfig) (paymaster.Store, error) {
	if cfg.Path == "" {
		log.Warn("No storage path configured, balances are kept in memory")
		return paymaster.NewMemoryStore(), nil
	}
	return leveldb.New(cfg.Path, cfg.Cache, cfg.Handles)
}

// newTokenPaymaster returns nil when token payments are disabled.
func newTokenPaymaster(ctx context.Context, cfg *config.Config, signer *paymaster.Signer, client *ethclient.Client) (*paymaster.TokenPaymaster, error) {
	if !cfg.Token.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("token payments need rpc_url for the price feeds")
	}
	native, dir, err := cfg.TokenOracles(client)
	if err != nil {
		return nil, err
	}
	tc := cfg.TokenPaymaster(signer.Address())
	return paymaster.NewTokenPaymaster(ctx, tc, paymaster.TokenDeps{
		Sink:         paymaster.NewMemoryDepositSink(),
		Vault:        paymaster.NewMemoryTokenVault(tc.Address),
		NativeOracle: native,
		Directory:    dir,
		Code:         client,
	})
}
