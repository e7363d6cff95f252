package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/firmswap/firmswap-node/quote"
	"github.com/firmswap/firmswap-node/simqueue"
	"github.com/firmswap/firmswap-node/solver"
)

var (
	defaultDebug        = os.Getenv("DEBUG") == "1"
	defaultLogProd      = os.Getenv("LOG_PROD") == "1"
	defaultPort         = cli.GetEnv("PORT", "9090")
	defaultMetricsPort  = cli.GetEnv("METRICS_PORT", "9099")
	defaultEthEndpoint  = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultRedisURL     = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultEngineAddr   = cli.GetEnv("ENGINE_ADDRESS", "")
	defaultSolverKey    = os.Getenv("SOLVER_PRIVATE_KEY")
	defaultSpreadBps    = cli.GetEnv("SPREAD_BPS", "10")
	defaultUSDCeiling   = cli.GetEnv("USD_CEILING", "0")
	defaultPollInterval = cli.GetEnv("POLL_INTERVAL_MS", "3000")

	debugPtr        = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr      = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	portPtr         = flag.String("port", defaultPort, "port the RFQ server listens on")
	ethPtr          = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	redisPtr        = flag.String("redis", defaultRedisURL, "redis url string")
	engineAddrPtr   = flag.String("engine-address", defaultEngineAddr, "settlement engine contract address")
	solverKeyPtr    = flag.String("solver-key", defaultSolverKey, "solver signing key, hex-encoded, no 0x prefix")
	spreadBpsPtr    = flag.String("spread-bps", defaultSpreadBps, "quoted spread in basis points")
	usdCeilingPtr   = flag.String("usd-ceiling", defaultUSDCeiling, "per-order USD ceiling, 0 disables")
	pollIntervalPtr = flag.String("poll-interval-ms", defaultPollInterval, "deposit watcher poll interval")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(os.Stdout), atom))
	}
	defer func() { _ = logger.Sync() }()

	if *solverKeyPtr == "" {
		logger.Fatal("solver-key is required")
	}
	if *engineAddrPtr == "" {
		logger.Fatal("engine-address is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(*solverKeyPtr, "0x"))
	if err != nil {
		logger.Fatal("invalid solver key", zap.Error(err))
	}
	engineAddress := common.HexToAddress(*engineAddrPtr)
	solverAddress := crypto.PubkeyToAddress(key.PublicKey)
	logger.Info("starting firmswap solver", zap.String("solver", solverAddress.Hex()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("failed to connect to eth endpoint", zap.Error(err))
	}
	chainID, err := ethBackend.ChainID(ctx)
	if err != nil {
		logger.Fatal("failed to fetch chain id", zap.Error(err))
	}

	chain := solver.NewChainAdapter(ethBackend, engineAddress).WithFillKey(key, chainID)

	spreadBps, err := strconvParseInt64(*spreadBpsPtr)
	if err != nil {
		logger.Fatal("invalid spread-bps", zap.Error(err))
	}
	usdCeiling, err := decimal.NewFromString(*usdCeilingPtr)
	if err != nil {
		logger.Fatal("invalid usd-ceiling", zap.Error(err))
	}
	pricing := solver.PricingConfig{
		SpreadBps:      spreadBps,
		USDCeiling:     usdCeiling,
		InputDecimals:  18,
		OutputDecimals: 6,
	}
	prices := solver.NewCoinGeckoPriceSource(map[string]string{
		"weth": "ethereum",
		"eth":  "ethereum",
	}, "usd")
	core := solver.NewCore(prices, pricing)

	signer := quote.NewSigner(key, chainID, engineAddress)
	nonces, err := solver.NewNonceAllocator(ctx, chain, solverAddress)
	if err != nil {
		logger.Fatal("failed to initialize nonce allocator", zap.Error(err))
	}
	factory := solver.NewQuoteFactory(signer, nonces)

	symbols := solver.StaticTokenSymbols{
		chainID.Uint64(): {
			common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"): "WETH",
		},
	}

	redisOpts, err := redis.ParseURL(*redisPtr)
	if err != nil {
		logger.Fatal("failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	redisQueue := simqueue.NewRedisQueue(logger, redisClient, "firmswap-fill-"+solverAddress.Hex())
	queueConfig, err := simqueue.ConfigFromEnv()
	if err != nil {
		logger.Fatal("failed to load simqueue config", zap.Error(err))
	}
	redisQueue.Config = queueConfig

	fillQueue := solver.NewFillQueue(redisQueue, chain, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fillQueue.Start(ctx)
	}()

	pollMs, err := strconvParseInt64(*pollIntervalPtr)
	if err != nil {
		logger.Fatal("invalid poll-interval-ms", zap.Error(err))
	}
	startBlock, err := ethBackend.BlockNumber(ctx)
	if err != nil {
		logger.Fatal("failed to fetch start block", zap.Error(err))
	}
	watcher := solver.NewWatcher(logger, chain, fillQueue, solverAddress, time.Duration(pollMs)*time.Millisecond, startBlock)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("deposit watcher stopped", zap.Error(err))
		}
	}()

	rfq := solver.NewRFQServer(logger, core, factory, symbols, "usd")
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		Handler:           rfq.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			vm.WritePrometheus(w, true)
		})
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	shutdown := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("shutting down")
		cancel()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown rfq server", zap.Error(err))
		}
		close(shutdown)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("rfq server failed", zap.Error(err))
	}
	<-shutdown
	wg.Wait()
}

func strconvParseInt64(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
