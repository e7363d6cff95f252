package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/firmswap/firmswap-node/aggregator"
	"github.com/firmswap/firmswap-node/httpapi"
	"github.com/firmswap/firmswap-node/registry"
	"github.com/firmswap/firmswap-node/settlement"
)

var (
	version = "dev"

	defaultDebug       = os.Getenv("DEBUG") == "1"
	defaultLogProd     = os.Getenv("LOG_PROD") == "1"
	defaultPort        = cli.GetEnv("PORT", "8080")
	defaultMetricsPort = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultConfig      = cli.GetEnv("CHAINS_CONFIG", "chains.yaml")
	defaultSeedFile    = cli.GetEnv("SOLVERS_SEED_FILE", "")
	defaultPostgresDSN = os.Getenv("POSTGRES_DSN")

	debugPtr       = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr     = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	portPtr        = flag.String("port", defaultPort, "port to listen on")
	ethPtr         = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	configPtr      = flag.String("chains-config", defaultConfig, "per-chain configuration file")
	seedFilePtr    = flag.String("solvers-seed-file", defaultSeedFile, "optional solver seed file (empty disables)")
	postgresDSNPtr = flag.String("postgres-dsn", defaultPostgresDSN, "optional postgres dsn (empty disables persistence)")
)

// chainConfig is one entry of the chains.yaml file: the fixed,
// deployment-time parameters for a single FirmSwap chain (spec.md §4.6,
// §4.7). Contract addresses are operator-supplied rather than discovered,
// mirroring the teacher's builders.yaml static-config pattern
// (mevshare/builders.go).
type chainConfig struct {
	ChainID            uint64 `yaml:"chainId"`
	EngineAddress      string `yaml:"engineAddress"`
	VerifyingContract  string `yaml:"verifyingContract"`
	ProxyCodeHash      string `yaml:"proxyCodeHash"`
	BondToken          string `yaml:"bondToken"`
	MinBondWei         string `yaml:"minBondWei"`
	MaxSolversPerChain int    `yaml:"maxSolversPerChain"`
	DevMode            bool   `yaml:"devMode"`
}

type chainsFile struct {
	Chains []chainConfig `yaml:"chains"`
}

func loadChainsConfig(path string) ([]chainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f chainsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Chains, nil
}

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

	ctx, ctxCancel := context.WithCancel(context.Background())
	logger.Info("starting firmswap node", zap.String("version", version))

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("failed to connect to eth endpoint", zap.Error(err))
	}

	chainConfigs, err := loadChainsConfig(*configPtr)
	if err != nil {
		logger.Fatal("failed to load chains config", zap.Error(err))
	}
	if len(chainConfigs) == 0 {
		logger.Fatal("chains config must declare at least one chain")
	}

	var persist *registry.SQLStore
	if *postgresDSNPtr != "" {
		persist, err = registry.NewSQLStore(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
	}

	chains := make(map[uint64]*httpapi.ChainContext, len(chainConfigs))
	for _, cc := range chainConfigs {
		chainID := new(big.Int).SetUint64(cc.ChainID)
		engineAddress := common.HexToAddress(cc.EngineAddress)
		verifyingContract := common.HexToAddress(cc.VerifyingContract)
		bondToken := common.HexToAddress(cc.BondToken)
		proxyCodeHash := common.HexToHash(cc.ProxyCodeHash)

		minBond, ok := new(big.Int).SetString(cc.MinBondWei, 10)
		if !ok {
			minBond = big.NewInt(1_000_000_000)
		}

		engine := settlement.New(settlement.Config{
			ChainID:           chainID,
			EngineAddress:     engineAddress,
			VerifyingContract: verifyingContract,
			ProxyCodeHash:     proxyCodeHash,
			BondToken:         bondToken,
		}, logger.With(zap.Uint64("chainId", cc.ChainID)))

		bondChecker := registry.NewCachedBondChecker(
			registry.NewOnChainBondChecker(ethBackend, engineAddress),
			chainID, time.Minute,
		)
		ssrf := registry.NewSSRFValidator(defaultResolver{}, cc.DevMode)

		reg := registry.New(registry.Config{
			MaxSolversPerChain: cc.MaxSolversPerChain,
			MinBond:            minBond,
			DevMode:            cc.DevMode,
		}, logger.With(zap.Uint64("chainId", cc.ChainID)), bondChecker, ssrf)

		if persist != nil {
			reg.SetPersistence(persist)
			if err := reg.Rehydrate(cc.ChainID); err != nil {
				logger.Warn("failed to rehydrate solver registry", zap.Uint64("chainId", cc.ChainID), zap.Error(err))
			}
		}
		if *seedFilePtr != "" {
			if err := reg.LoadSeedFile(*seedFilePtr); err != nil {
				logger.Warn("failed to load solver seed file", zap.Error(err))
			}
		}

		agg := aggregator.New(aggregator.Config{
			ChainID:           chainID,
			VerifyingContract: verifyingContract,
		}, logger.With(zap.Uint64("chainId", cc.ChainID)), reg, httpapi.NewHTTPSolverClient(), ssrf)

		chains[cc.ChainID] = &httpapi.ChainContext{
			ChainID:       chainID,
			Engine:        engine,
			Aggregator:    agg,
			Registry:      reg,
			ProxyCodeHash: proxyCodeHash,
		}
	}

	server := httpapi.New(logger, chains)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}
		if err := metricsServer.ListenAndServe(); err != nil {
			logger.Fatal("failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("shutting down...")
		ctxCancel()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
}

// defaultResolver adapts net.DefaultResolver to registry.Resolver.
type defaultResolver struct{}

func (defaultResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}
