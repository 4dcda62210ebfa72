package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/client"
	"github.com/tabchan/tabchan-go/pkg/config"
	"github.com/tabchan/tabchan-go/pkg/logger"
	"github.com/tabchan/tabchan-go/pkg/relay"
	"github.com/tabchan/tabchan-go/pkg/signer"
	"github.com/tabchan/tabchan-go/pkg/signer/awsKmsSigner"
	"github.com/tabchan/tabchan-go/pkg/signer/inMemorySigner"
)

func main() {
	app := &cli.App{
		Name:  "chan-client",
		Usage: "Tabchan state channel client",
		Description: `A participant client for off-chain expense channels.

This client can:
- Create channels with a participant set and deposits
- Propose and countersign balance updates through the relay
- Watch channels for adopted balance changes`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "relay-url",
				Usage:   "Relay websocket endpoint",
				Value:   "ws://localhost:9000/ws",
				EnvVars: []string{config.EnvClientRelayURL},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "Participant private key (hex string)",
				EnvVars: []string{config.EnvClientPrivateKey},
			},
			&cli.StringFlag{
				Name:  "kms-key-id",
				Usage: "AWS KMS key id to sign with instead of a local private key",
			},
			&cli.StringFlag{
				Name:  "kms-region",
				Usage: "AWS region of the KMS key",
				Value: "us-east-1",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvClientVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a channel with the given participants and deposits",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:     "participant",
						Usage:    "Participant address (repeatable; must include your own)",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:     "deposit",
						Usage:    "Deposit as address=amount (repeatable)",
						Required: true,
					},
				},
				Action: createCommand,
			},
			{
				Name:  "get",
				Usage: "Fetch the current record for a channel",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "channel-id",
						Usage:    "Channel ID (0x-prefixed hash)",
						Required: true,
					},
				},
				Action: getCommand,
			},
			{
				Name:  "propose",
				Usage: "Propose a new balance vector and wait for counterparty signatures",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "channel-id",
						Usage:    "Channel ID (0x-prefixed hash)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "balances",
						Usage:    "Comma-separated balance deltas, one per participant (must sum to zero)",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "How long to wait for the full signature set",
						Value: config.DefaultRequestTimeout,
					},
				},
				Action: proposeCommand,
			},
			{
				Name:  "watch",
				Usage: "Stay connected and print adopted balance updates",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "channel-id",
						Usage:    "Channel ID to track",
						Required: true,
					},
				},
				Action: watchCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

// buildSigner selects the signing backend: a local hex key or an AWS KMS key.
func buildSigner(c *cli.Context, l *zap.Logger) (signer.ISigner, error) {
	privateKey := c.String("private-key")
	kmsKeyId := c.String("kms-key-id")

	switch {
	case privateKey != "" && kmsKeyId != "":
		return nil, fmt.Errorf("--private-key and --kms-key-id are mutually exclusive")
	case kmsKeyId != "":
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
		defer cancel()
		s, err := awsKmsSigner.NewAWSKMSSignerFromEnv(ctx, c.String("kms-region"), kmsKeyId, l)
		if err != nil {
			return nil, fmt.Errorf("failed to create KMS signer: %w", err)
		}
		return s, nil
	case privateKey != "":
		s, err := inMemorySigner.NewInMemorySignerFromHex(privateKey, l)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("either --private-key or --kms-key-id is required")
	}
}

// buildClient creates a connected, authenticated client from the global flags.
func buildClient(c *cli.Context) (*client.StateChannelClient, error) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	s, err := buildSigner(c, l)
	if err != nil {
		return nil, err
	}

	cfg := &config.ClientConfig{
		RelayURL: c.String("relay-url"),
		Address:  s.Address().Hex(),
		Debug:    c.Bool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	conn, err := relay.NewConnection(relay.Config{
		RelayURL: cfg.RelayURL,
		Logger:   l,
	})
	if err != nil {
		return nil, err
	}

	scc, err := client.NewStateChannelClient(client.Config{
		Conn:   conn,
		Signer: s,
		Logger: l,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultConnectTimeout+config.DefaultAuthTimeout)
	defer cancel()
	if err := scc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return scc, nil
}

func createCommand(c *cli.Context) error {
	scc, err := buildClient(c)
	if err != nil {
		return err
	}
	defer func() { _ = scc.Close() }()

	participants := make([]common.Address, 0)
	for _, raw := range c.StringSlice("participant") {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("invalid participant address: %s", raw)
		}
		participants = append(participants, common.HexToAddress(raw))
	}

	deposits := make(map[common.Address]*big.Int)
	for _, raw := range c.StringSlice("deposit") {
		addr, amount, err := parseDeposit(raw)
		if err != nil {
			return err
		}
		deposits[addr] = amount
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
	defer cancel()

	ch, err := scc.CreateChannel(ctx, participants, deposits)
	if err != nil {
		return err
	}
	return printJSON(ch)
}

func getCommand(c *cli.Context) error {
	scc, err := buildClient(c)
	if err != nil {
		return err
	}
	defer func() { _ = scc.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
	defer cancel()

	ch, err := scc.GetChannel(ctx, common.HexToHash(c.String("channel-id")))
	if err != nil {
		return err
	}
	return printJSON(ch)
}

func proposeCommand(c *cli.Context) error {
	scc, err := buildClient(c)
	if err != nil {
		return err
	}
	defer func() { _ = scc.Close() }()

	channelID := common.HexToHash(c.String("channel-id"))

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("wait"))
	defer cancel()

	// Track the channel before proposing against it.
	if _, err := scc.Reconcile(ctx, channelID); err != nil {
		return err
	}

	balances, err := parseBalances(c.String("balances"))
	if err != nil {
		return err
	}

	signed, err := scc.ProposeUpdate(ctx, channelID, balances)
	if err != nil {
		return err
	}

	fmt.Printf("State finalized at nonce %d with %d signatures\n",
		signed.State.Nonce, len(signed.Signatures))
	return printJSON(signed)
}

func watchCommand(c *cli.Context) error {
	scc, err := buildClient(c)
	if err != nil {
		return err
	}
	defer func() { _ = scc.Close() }()

	channelID := common.HexToHash(c.String("channel-id"))

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
	defer cancel()
	if _, err := scc.Reconcile(ctx, channelID); err != nil {
		return err
	}

	updates, stop := scc.SubscribeBalanceChanges(16)
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Watching channel %s (Ctrl+C to stop)\n", channelID.Hex())
	for {
		select {
		case update := <-updates:
			if update.ChannelID != channelID {
				continue
			}
			parts := make([]string, len(update.Balances))
			for i, b := range update.Balances {
				parts[i] = b.String()
			}
			fmt.Printf("[%s] nonce %d balances [%s]\n",
				time.Now().Format(time.RFC3339), update.Nonce, strings.Join(parts, ", "))
		case <-sigCh:
			return nil
		}
	}
}

func parseDeposit(raw string) (common.Address, *big.Int, error) {
	parts := strings.SplitN(raw, "=", 2)
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
		return common.Address{}, nil, fmt.Errorf("deposit must be address=amount, got %q", raw)
	}
	amount, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("invalid deposit amount: %s", parts[1])
	}
	return common.HexToAddress(parts[0]), amount, nil
}

func parseBalances(raw string) ([]*big.Int, error) {
	parts := strings.Split(raw, ",")
	balances := make([]*big.Int, len(parts))
	for i, p := range parts {
		v, ok := new(big.Int).SetString(strings.TrimSpace(p), 10)
		if !ok {
			return nil, fmt.Errorf("invalid balance: %s", p)
		}
		balances[i] = v
	}
	return balances, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
