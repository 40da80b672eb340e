package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vaultbridge-labs/vaultbridge/internal/queue"
)

// bridge-submit publishes request envelopes onto the submission topics. It is
// an operator tool: the same envelopes normally arrive from the intake
// surface, and the orchestrators consume them identically either way.

type bridgeRequestV1 struct {
	Version               string `json:"version"`
	RequestID             string `json:"request_id"`
	Wallet                string `json:"wallet"`
	SourceAmount          uint64 `json:"source_amount"`
	BridgedAmountExpected uint64 `json:"bridged_amount_expected"`
	Vault                 string `json:"vault,omitempty"`
}

type redemptionRequestV1 struct {
	Version              string `json:"version"`
	Wallet               string `json:"wallet"`
	SharesAmount         uint64 `json:"shares_amount"`
	ExpectedPayoutAmount uint64 `json:"expected_payout_amount"`
	PayoutAddress        string `json:"payout_address"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("bridge-submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	kind := fs.String("kind", "bridge", "request kind: bridge|redemption")
	topic := fs.String("topic", "", "override topic; defaults by kind")

	requestID := fs.String("request-id", "", "bridge request id (bridge kind)")
	wallet := fs.String("wallet", "", "EVM wallet address (required)")
	sourceAmount := fs.Uint64("source-amount", 0, "XRP amount in drops (bridge kind)")
	bridgedExpected := fs.Uint64("bridged-expected", 0, "expected bridged amount (bridge kind)")
	vault := fs.String("vault", "", "optional vault address for auto-deposit (bridge kind)")

	shares := fs.Uint64("shares", 0, "vault shares to redeem (redemption kind)")
	expectedPayout := fs.Uint64("expected-payout", 0, "expected payout in drops (redemption kind)")
	payoutAddress := fs.String("payout-address", "", "XRPL payout destination (redemption kind)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*wallet) {
		return errors.New("--wallet must be a valid hex address")
	}

	var (
		payload   []byte
		sendTopic string
		err       error
	)
	switch strings.ToLower(strings.TrimSpace(*kind)) {
	case "bridge":
		if strings.TrimSpace(*requestID) == "" {
			return errors.New("--request-id is required for bridge requests")
		}
		if *sourceAmount == 0 || *bridgedExpected == 0 {
			return errors.New("--source-amount and --bridged-expected must be > 0")
		}
		if *vault != "" && !common.IsHexAddress(*vault) {
			return errors.New("--vault must be a valid hex address")
		}
		sendTopic = "bridge.requests.v1"
		payload, err = json.Marshal(bridgeRequestV1{
			Version:               "bridge.request.v1",
			RequestID:             strings.TrimSpace(*requestID),
			Wallet:                common.HexToAddress(*wallet).Hex(),
			SourceAmount:          *sourceAmount,
			BridgedAmountExpected: *bridgedExpected,
			Vault:                 *vault,
		})
	case "redemption":
		if *shares == 0 || *expectedPayout == 0 {
			return errors.New("--shares and --expected-payout must be > 0")
		}
		if strings.TrimSpace(*payoutAddress) == "" {
			return errors.New("--payout-address is required for redemption requests")
		}
		sendTopic = "redemption.requests.v1"
		payload, err = json.Marshal(redemptionRequestV1{
			Version:              "redemption.request.v1",
			Wallet:               common.HexToAddress(*wallet).Hex(),
			SharesAmount:         *shares,
			ExpectedPayoutAmount: *expectedPayout,
			PayoutAddress:        strings.TrimSpace(*payoutAddress),
		})
	default:
		return fmt.Errorf("unknown request kind %q", *kind)
	}
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if strings.TrimSpace(*topic) != "" {
		sendTopic = strings.TrimSpace(*topic)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	key := []byte(common.HexToAddress(*wallet).Hex())
	return producer.Publish(context.Background(), sendTopic, key, payload)
}
