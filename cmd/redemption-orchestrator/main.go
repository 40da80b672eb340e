package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vaultbridge-labs/vaultbridge/internal/agentclient"
	"github.com/vaultbridge-labs/vaultbridge/internal/attestation"
	"github.com/vaultbridge-labs/vaultbridge/internal/blobstore"
	"github.com/vaultbridge-labs/vaultbridge/internal/evmclient"
	"github.com/vaultbridge-labs/vaultbridge/internal/queue"
	redemptionpg "github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob/postgres"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionorch"
	"github.com/vaultbridge-labs/vaultbridge/internal/secrets"
)

type envelope struct {
	Version string `json:"version"`
}

// redemptionRequestV1 is published by the intake surface when a wallet asks
// to burn vault shares for an XRPL payout.
type redemptionRequestV1 struct {
	Version              string `json:"version"`
	Wallet               string `json:"wallet"`
	SharesAmount         uint64 `json:"shares_amount"`
	ExpectedPayoutAmount uint64 `json:"expected_payout_amount"`
	PayoutAddress        string `json:"payout_address"`
}

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		relayerURL           = flag.String("relayer-url", "", "EVM relayer HTTP URL (required)")
		relayerAuthSecretRef = flag.String("relayer-auth-secret-ref", "RELAYER_AUTH_TOKEN", "secret reference for relayer bearer token")
		agentURL             = flag.String("agent-url", "", "XRPL agent HTTP URL (required)")
		agentAuthSecretRef   = flag.String("agent-auth-secret-ref", "AGENT_AUTH_TOKEN", "secret reference for agent bearer token")
		secretsDriver        = flag.String("secrets-driver", "aws", "secrets driver: aws|env")

		vaultContract  = flag.String("vault-contract", "", "ERC-4626 vault contract address (required)")
		payoutReserve  = flag.String("payout-reserve", "", "payout reserve address (required)")
		redeemGasLimit = flag.Uint64("redeem-gas-limit", 0, "gas limit for redeem calls; 0 => relayer estimate")
		attestTimeout  = flag.Duration("attest-timeout", 30*time.Second, "bound on each attestation wait")

		queueDriver        = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers       = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		requestGroup       = flag.String("request-group", "redemption-orchestrator", "consumer group for redemption requests")
		requestTopic       = flag.String("request-topic", "redemption.requests.v1", "redemption request submission topic")
		attestRequestTopic = flag.String("attest-request-topic", "attestation.requests.v1", "attestation request topic")
		attestResultTopic  = flag.String("attest-result-topic", "attestation.results.v1", "attestation result topic")
		attestFailureTopic = flag.String("attest-failure-topic", "attestation.failures.v1", "attestation failure topic")
		ackTimeout         = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob driver: s3|memory")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket for attestation proof artifacts")
		blobPrefix = flag.String("blob-prefix", "", "key prefix for blob storage")

		driveTimeout = flag.Duration("drive-timeout", 2*time.Minute, "per-job timeout when driving transitions after an event")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *relayerURL == "" || *agentURL == "" || *vaultContract == "" || *payoutReserve == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --relayer-url, --agent-url, --vault-contract, and --payout-reserve are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*vaultContract) || !common.IsHexAddress(*payoutReserve) {
		fmt.Fprintln(os.Stderr, "error: --vault-contract and --payout-reserve must be valid hex addresses")
		os.Exit(2)
	}
	if *attestTimeout <= 0 || *ackTimeout <= 0 || *driveTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := newSecretProvider(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	relayerToken, err := secretProvider.Get(ctx, *relayerAuthSecretRef)
	if err != nil {
		log.Error("load relayer auth token", "err", err, "ref", *relayerAuthSecretRef)
		os.Exit(2)
	}
	agentToken, err := secretProvider.Get(ctx, *agentAuthSecretRef)
	if err != nil {
		log.Error("load agent auth token", "err", err, "ref", *agentAuthSecretRef)
		os.Exit(2)
	}

	evm, err := evmclient.NewClient(*relayerURL, relayerToken)
	if err != nil {
		log.Error("init relayer client", "err", err)
		os.Exit(2)
	}
	agent, err := agentclient.NewClient(*agentURL, agentToken)
	if err != nil {
		log.Error("init agent client", "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := redemptionpg.New(pool)
	if err != nil {
		log.Error("init redemption job store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure redemption job schema", "err", err)
		os.Exit(2)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer producer.Close()

	attestConsumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *requestGroup + "-attest",
		Topics:  []string{*attestResultTopic, *attestFailureTopic},
	})
	if err != nil {
		log.Error("init attestation consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = attestConsumer.Close() }()

	attestor, err := attestation.NewQueueClient(attestation.QueueConfig{
		RequestTopic: *attestRequestTopic,
		ResultTopic:  *attestResultTopic,
		FailureTopic: *attestFailureTopic,
		Producer:     producer,
		Consumer:     attestConsumer,
		WaitTimeout:  *attestTimeout,
		AckTimeout:   *ackTimeout,
		Log:          log,
	})
	if err != nil {
		log.Error("init attestation client", "err", err)
		os.Exit(2)
	}

	blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(2)
	}

	orch, err := redemptionorch.New(redemptionorch.Config{
		VaultContract:  common.HexToAddress(*vaultContract),
		PayoutReserve:  common.HexToAddress(*payoutReserve),
		RedeemGasLimit: *redeemGasLimit,
		AttestTimeout:  *attestTimeout,
	}, store, attestor, evm, agent, blobs, log)
	if err != nil {
		log.Error("init redemption orchestrator", "err", err)
		os.Exit(2)
	}

	requestConsumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *requestGroup,
		Topics:  []string{*requestTopic},
	})
	if err != nil {
		log.Error("init request consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = requestConsumer.Close() }()

	log.Info("redemption orchestrator started",
		"vaultContract", *vaultContract,
		"payoutReserve", *payoutReserve,
		"requestTopic", *requestTopic,
		"queueDriver", *queueDriver,
	)

	msgCh := requestConsumer.Messages()
	errCh := requestConsumer.Errors()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case qmsg, ok := <-msgCh:
			if !ok {
				return
			}
			line := bytes.TrimSpace(qmsg.Value)
			if len(line) == 0 {
				ackMessage(qmsg, *ackTimeout, log)
				continue
			}

			var env envelope
			if err := json.Unmarshal(line, &env); err != nil {
				log.Error("parse input json", "err", err)
				ackMessage(qmsg, *ackTimeout, log)
				continue
			}
			if env.Version != "redemption.request.v1" {
				ackMessage(qmsg, *ackTimeout, log)
				continue
			}

			var req redemptionRequestV1
			if err := json.Unmarshal(line, &req); err != nil {
				log.Error("parse redemption request", "err", err)
				ackMessage(qmsg, *ackTimeout, log)
				continue
			}
			if !common.IsHexAddress(req.Wallet) || strings.TrimSpace(req.PayoutAddress) == "" {
				log.Error("reject redemption request", "wallet", req.Wallet)
				ackMessage(qmsg, *ackTimeout, log)
				continue
			}

			cctx, cancel := context.WithTimeout(ctx, *driveTimeout)
			job, err := orch.Submit(cctx, common.HexToAddress(req.Wallet), req.SharesAmount, req.ExpectedPayoutAmount, req.PayoutAddress)
			if err != nil {
				cancel()
				log.Error("submit redemption job", "wallet", req.Wallet, "err", err)
				// Leave unacked so the submission is retried.
				continue
			}
			driveJob(cctx, orch, job.ID, log)
			cancel()
			ackMessage(qmsg, *ackTimeout, log)
		}
	}
}

// driveJob advances the job until it needs an external event.
func driveJob(ctx context.Context, orch *redemptionorch.Orchestrator, id [32]byte, log *slog.Logger) {
	for {
		progressed, err := orch.Advance(ctx, id)
		if err != nil {
			log.Warn("advance redemption job", "err", err)
			return
		}
		if !progressed {
			return
		}
	}
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}

func newSecretProvider(ctx context.Context, driver string) (secrets.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "aws":
		return secrets.NewAWS(ctx)
	case "env":
		return secrets.NewEnv(), nil
	default:
		return nil, fmt.Errorf("unsupported secrets driver %q", driver)
	}
}

func newBlobStore(ctx context.Context, driver, bucket, prefix string) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: driver,
		Prefix: prefix,
		Bucket: bucket,
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
