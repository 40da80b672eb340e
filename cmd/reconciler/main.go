package main

import (
	"context"
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
	bridgepg "github.com/vaultbridge-labs/vaultbridge/internal/bridgejob/postgres"
	"github.com/vaultbridge-labs/vaultbridge/internal/depositorch"
	escrowpg "github.com/vaultbridge-labs/vaultbridge/internal/escrow/postgres"
	"github.com/vaultbridge-labs/vaultbridge/internal/evmclient"
	leasespg "github.com/vaultbridge-labs/vaultbridge/internal/leases/postgres"
	"github.com/vaultbridge-labs/vaultbridge/internal/queue"
	"github.com/vaultbridge-labs/vaultbridge/internal/reconciler"
	redemptionpg "github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob/postgres"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionorch"
	"github.com/vaultbridge-labs/vaultbridge/internal/secrets"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		relayerURL           = flag.String("relayer-url", "", "EVM relayer HTTP URL (required)")
		relayerAuthSecretRef = flag.String("relayer-auth-secret-ref", "RELAYER_AUTH_TOKEN", "secret reference for relayer bearer token")
		agentURL             = flag.String("agent-url", "", "XRPL agent HTTP URL (required)")
		agentAuthSecretRef   = flag.String("agent-auth-secret-ref", "AGENT_AUTH_TOKEN", "secret reference for agent bearer token")
		secretsDriver        = flag.String("secrets-driver", "aws", "secrets driver: aws|env")

		mintContract   = flag.String("mint-contract", "", "bridged-asset token contract address (required)")
		vaultContract  = flag.String("vault-contract", "", "ERC-4626 vault contract address (required)")
		payoutReserve  = flag.String("payout-reserve", "", "payout reserve address (required)")
		mintGasLimit   = flag.Uint64("mint-gas-limit", 0, "gas limit for mint calls; 0 => relayer estimate")
		vaultGasLimit  = flag.Uint64("vault-gas-limit", 0, "gas limit for vault deposit calls; 0 => relayer estimate")
		redeemGasLimit = flag.Uint64("redeem-gas-limit", 0, "gas limit for redeem calls; 0 => relayer estimate")
		attestTimeout  = flag.Duration("attest-timeout", 30*time.Second, "bound on each attestation wait")

		queueDriver        = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers       = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup         = flag.String("queue-group", "reconciler", "consumer group prefix")
		attestRequestTopic = flag.String("attest-request-topic", "attestation.requests.v1", "attestation request topic")
		attestResultTopic  = flag.String("attest-result-topic", "attestation.results.v1", "attestation result topic")
		attestFailureTopic = flag.String("attest-failure-topic", "attestation.failures.v1", "attestation failure topic")
		ackTimeout         = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob driver: s3|memory")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket for attestation proof artifacts")
		blobPrefix = flag.String("blob-prefix", "", "key prefix for blob storage")

		sweepInterval = flag.Duration("sweep-interval", 15*time.Second, "interval between staleness sweeps")
		concurrency   = flag.Int("concurrency", 8, "max jobs re-driven concurrently per sweep")
		batchSize     = flag.Int("batch-size", 100, "max stale jobs fetched per status per sweep")
		retryLimit    = flag.Int("retry-limit", 10, "retry budget before a job is failed")
		retryBackoff  = flag.Duration("retry-backoff", 15*time.Second, "wait before re-driving a retry-flagged job")
		owner         = flag.String("owner", "", "lease owner identity; defaults to hostname")
		leaseTTL      = flag.Duration("lease-ttl", 30*time.Second, "sweep lease TTL")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *relayerURL == "" || *agentURL == "" || *mintContract == "" || *vaultContract == "" || *payoutReserve == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --relayer-url, --agent-url, --mint-contract, --vault-contract, and --payout-reserve are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*mintContract) || !common.IsHexAddress(*vaultContract) || !common.IsHexAddress(*payoutReserve) {
		fmt.Fprintln(os.Stderr, "error: contract flags must be valid hex addresses")
		os.Exit(2)
	}
	if *sweepInterval <= 0 || *attestTimeout <= 0 || *ackTimeout <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: intervals and timeouts must be > 0")
		os.Exit(2)
	}

	ownerID := strings.TrimSpace(*owner)
	if ownerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			fmt.Fprintln(os.Stderr, "error: --owner is required when hostname is unavailable")
			os.Exit(2)
		}
		ownerID = host
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

	bridgeStore, err := bridgepg.New(pool)
	if err != nil {
		log.Error("init bridge job store", "err", err)
		os.Exit(2)
	}
	if err := bridgeStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure bridge job schema", "err", err)
		os.Exit(2)
	}

	redemptionStore, err := redemptionpg.New(pool)
	if err != nil {
		log.Error("init redemption job store", "err", err)
		os.Exit(2)
	}
	if err := redemptionStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure redemption job schema", "err", err)
		os.Exit(2)
	}

	escrowStore, err := escrowpg.New(pool)
	if err != nil {
		log.Error("init escrow store", "err", err)
		os.Exit(2)
	}
	if err := escrowStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure escrow schema", "err", err)
		os.Exit(2)
	}

	leaseStore, err := leasespg.New(pool)
	if err != nil {
		log.Error("init lease store", "err", err)
		os.Exit(2)
	}
	if err := leaseStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure lease schema", "err", err)
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
		Group:   *queueGroup + "-attest",
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

	bridgeOrch, err := depositorch.New(depositorch.Config{
		MintContract:  common.HexToAddress(*mintContract),
		MintGasLimit:  *mintGasLimit,
		VaultGasLimit: *vaultGasLimit,
		AttestTimeout: *attestTimeout,
	}, bridgeStore, escrowStore, agent, agent, attestor, evm, blobs, log)
	if err != nil {
		log.Error("init deposit orchestrator", "err", err)
		os.Exit(2)
	}

	redemptionOrch, err := redemptionorch.New(redemptionorch.Config{
		VaultContract:  common.HexToAddress(*vaultContract),
		PayoutReserve:  common.HexToAddress(*payoutReserve),
		RedeemGasLimit: *redeemGasLimit,
		AttestTimeout:  *attestTimeout,
	}, redemptionStore, attestor, evm, agent, blobs, log)
	if err != nil {
		log.Error("init redemption orchestrator", "err", err)
		os.Exit(2)
	}

	sched, err := reconciler.New(reconciler.Config{
		Interval:     *sweepInterval,
		Concurrency:  *concurrency,
		BatchSize:    *batchSize,
		RetryLimit:   *retryLimit,
		RetryBackoff: *retryBackoff,
	}, bridgeStore, redemptionStore, bridgeOrch, redemptionOrch, log)
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}
	sched.WithLeaseStore(leaseStore, ownerID, *leaseTTL)
	sched.WithEscrowSweeper(bridgeOrch)

	log.Info("reconciler started",
		"owner", ownerID,
		"sweepInterval", *sweepInterval,
		"retryLimit", *retryLimit,
		"queueDriver", *queueDriver,
	)

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("reconciler stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
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
