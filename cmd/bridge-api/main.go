package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
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
	"github.com/vaultbridge-labs/vaultbridge/internal/queue"
	"github.com/vaultbridge-labs/vaultbridge/internal/reconciler"
	redemptionpg "github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob/postgres"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionorch"
	"github.com/vaultbridge-labs/vaultbridge/internal/secrets"
	"github.com/vaultbridge-labs/vaultbridge/internal/statusapi"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8082", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		listLimit = flag.Int("list-limit", 100, "maximum records returned by wallet listings")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		// Reconcile endpoints need the full orchestrator stack; leaving
		// --relayer-url empty serves the read-only surface.
		relayerURL           = flag.String("relayer-url", "", "EVM relayer HTTP URL; empty disables reconcile endpoints")
		relayerAuthSecretRef = flag.String("relayer-auth-secret-ref", "RELAYER_AUTH_TOKEN", "secret reference for relayer bearer token")
		agentURL             = flag.String("agent-url", "", "XRPL agent HTTP URL (required for reconcile endpoints)")
		agentAuthSecretRef   = flag.String("agent-auth-secret-ref", "AGENT_AUTH_TOKEN", "secret reference for agent bearer token")
		secretsDriver        = flag.String("secrets-driver", "aws", "secrets driver: aws|env")

		mintContract   = flag.String("mint-contract", "", "bridged-asset token contract address")
		vaultContract  = flag.String("vault-contract", "", "ERC-4626 vault contract address")
		payoutReserve  = flag.String("payout-reserve", "", "payout reserve address receiving redeemed assets")
		mintGasLimit   = flag.Uint64("mint-gas-limit", 0, "gas limit for mint calls; 0 => relayer estimate")
		vaultGasLimit  = flag.Uint64("vault-gas-limit", 0, "gas limit for vault calls; 0 => relayer estimate")
		redeemGasLimit = flag.Uint64("redeem-gas-limit", 0, "gas limit for redeem calls; 0 => relayer estimate")
		attestTimeout  = flag.Duration("attest-timeout", 30*time.Second, "bound on each attestation wait")

		queueDriver        = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers       = flag.String("queue-brokers", "", "comma-separated queue brokers")
		queueGroup         = flag.String("queue-group", "bridge-api", "queue consumer group for attestation responses")
		attestRequestTopic = flag.String("attest-request-topic", "attestation.requests.v1", "attestation request topic")
		attestResultTopic  = flag.String("attest-result-topic", "attestation.results.v1", "attestation result topic")
		attestFailureTopic = flag.String("attest-failure-topic", "attestation.failures.v1", "attestation failure topic")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob driver: s3|memory")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket for attestation proof artifacts")
		blobPrefix = flag.String("blob-prefix", "", "key prefix for blob storage")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *listLimit <= 0 {
		fmt.Fprintln(os.Stderr, "error: --list-limit must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	var recon statusapi.Reconciler
	if strings.TrimSpace(*relayerURL) != "" {
		if strings.TrimSpace(*agentURL) == "" || !common.IsHexAddress(*mintContract) || !common.IsHexAddress(*vaultContract) || !common.IsHexAddress(*payoutReserve) {
			fmt.Fprintln(os.Stderr, "error: reconcile endpoints require --agent-url, --mint-contract, --vault-contract, and --payout-reserve")
			os.Exit(2)
		}
		if strings.TrimSpace(*queueBrokers) == "" && strings.EqualFold(*queueDriver, queue.DriverKafka) {
			fmt.Fprintln(os.Stderr, "error: reconcile endpoints require --queue-brokers for the kafka driver")
			os.Exit(2)
		}
		if *attestTimeout <= 0 {
			fmt.Fprintln(os.Stderr, "error: --attest-timeout must be > 0")
			os.Exit(2)
		}

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

		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			Group:   *queueGroup,
			Topics:  []string{*attestResultTopic, *attestFailureTopic},
		})
		if err != nil {
			log.Error("init queue consumer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = consumer.Close() }()

		attestor, err := attestation.NewQueueClient(attestation.QueueConfig{
			RequestTopic: *attestRequestTopic,
			ResultTopic:  *attestResultTopic,
			FailureTopic: *attestFailureTopic,
			Producer:     producer,
			Consumer:     consumer,
			WaitTimeout:  *attestTimeout,
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

		depositOrch, err := depositorch.New(depositorch.Config{
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

		sched, err := reconciler.New(reconciler.Config{}, bridgeStore, redemptionStore, depositOrch, redemptionOrch, log)
		if err != nil {
			log.Error("init reconciler", "err", err)
			os.Exit(2)
		}
		recon = sched
		log.Info("reconcile endpoints enabled", "relayer", *relayerURL, "agent", *agentURL)
	}

	handler, err := statusapi.NewHandler(statusapi.Config{
		ListLimit:               *listLimit,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, bridgeStore, redemptionStore, escrowStore, recon)
	if err != nil {
		log.Error("init status api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge-api listening", "addr", *listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
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
