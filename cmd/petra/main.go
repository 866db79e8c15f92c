package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lithos-systems/petra/internal/adapter/mqttbridge"
	"github.com/lithos-systems/petra/internal/certsvc"
	"github.com/lithos-systems/petra/internal/config"
	"github.com/lithos-systems/petra/internal/engine"
	"github.com/lithos-systems/petra/internal/historian"
	"github.com/lithos-systems/petra/internal/localstore"
	"github.com/lithos-systems/petra/internal/metricsrv"
	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/internal/statusapi"
	"github.com/lithos-systems/petra/internal/wal"
	"github.com/lithos-systems/petra/pkg/archive/parquet"
	"github.com/lithos-systems/petra/pkg/block"
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

var log = plog.For("MAIN")

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	cliInit()

	if flagKeygen {
		return runKeygen(flagKeygenOut)
	}
	if flagVersion {
		fmt.Printf("petra %s\n", version)
		return 0
	}

	plog.SetLevel(flagLogLevel)

	// See https://github.com/google/gops (runtime overhead is almost zero).
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err)
		}
	}

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		log.Fatalf("reading config %s: %s", flagConfigFile, err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		log.Fatalf("loading config: %s", err)
	}
	digest := sha256.Sum256(raw)
	configDigest := hex.EncodeToString(digest[:])

	if token := os.Getenv("PETRA_VERIFY_CONFIG"); token != "" {
		pubKey := os.Getenv("PETRA_CONFIG_PUBLIC_KEY")
		verifier, err := certsvc.NewVerifier(pubKey)
		if err != nil {
			log.Fatalf("constructing config verifier: %s", err)
		}
		if err := verifier.Verify(token, configDigest); err != nil {
			log.Fatalf("config signature verification failed: %s", err)
		}
		log.Infof("config signature verified (digest %s)", configDigest[:12])
	}

	b := bus.New()
	for _, sig := range cfg.Signals {
		b.Set(sig.Name, initialValue(sig))
	}

	eng := engine.New(b, time.Duration(cfg.ScanTimeMs)*time.Millisecond)
	for _, bs := range cfg.Blocks {
		spec := block.Spec{
			Name: bs.Name, BlockType: bs.BlockType,
			Inputs: bs.Inputs, Outputs: bs.Outputs, Params: bs.Params,
		}
		if err := eng.AddBlock(spec); err != nil {
			log.Fatalf("building block %q: %s", bs.Name, err)
		}
	}

	if os.Getenv("PETRA_PRINT_FEATURES") != "" {
		printFeatures(b, cfg)
	}

	walCfg := config.WALConfig{WalDir: "./var/wal", MaxWalSizeMB: 64}
	if cfg.WAL != nil {
		walCfg = *cfg.WAL
	}
	w, err := wal.Open(wal.Options{
		Dir:          walCfg.WalDir,
		MaxSizeBytes: walCfg.MaxWalSizeMB * 1024 * 1024,
		SyncOnWrite:  walCfg.SyncOnWriteOrDefault(),
	})
	if err != nil {
		// A sound config that fails to open its WAL directory (permissions,
		// disk full, a prior crash mid-write the recovery pass couldn't
		// repair) is a runtime failure, not a bad config: exit 2, not 1.
		log.Errorf("opening WAL: %s", err)
		return 2
	}

	histConfCfg := config.HistoryConfig{DataDir: "./var/history", MaxFileSizeMB: 128, BatchSize: 500, FlushIntervalMs: 1000}
	if cfg.History != nil {
		histConfCfg = *cfg.History
	}
	store := localstore.New(localstore.Options{
		DataDir:       histConfCfg.DataDir,
		MaxFileSizeMB: histConfCfg.MaxFileSizeMB,
		RetentionDays: histConfCfg.RetentionDays,
	})

	var remote *historian.RemoteSync
	if cfg.Remote != nil && cfg.Remote.S3Bucket != "" {
		target, err := parquet.NewS3Target(parquet.S3TargetConfig{
			Endpoint: cfg.Remote.S3Endpoint,
			Bucket:   cfg.Remote.S3Bucket,
			Region:   cfg.Remote.S3Region,
		})
		if err != nil {
			// The bucket is set by this point, so what fails here is AWS
			// config loading (NewS3Target tags it perr.Config); it is
			// treated as a runtime failure, so this path always exits 2.
			log.Errorf("constructing S3 remote target: %s", err)
			return 2
		}
		remote = historian.NewRemoteSync(target, store, historian.ParseStrategy(cfg.Remote.Strategy), 30*time.Second, 256)
	}

	histCfg := historian.Config{
		BatchSize:     histConfCfg.BatchSize,
		FlushInterval: time.Duration(histConfCfg.FlushIntervalMs) * time.Millisecond,
	}
	for _, r := range histConfCfg.DownsampleRules {
		histCfg.DownsampleRules = append(histCfg.DownsampleRules, historian.DownsampleRule{
			Pattern:     r.SignalPattern,
			MinInterval: time.Duration(r.MinIntervalMs) * time.Millisecond,
		})
	}
	hist := historian.New(histCfg, b, w, store, remote)

	recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := hist.Recover(recoverCtx); err != nil {
		// Replaying the WAL into the local store is an IO-class runtime
		// failure, never a config problem: exit 2.
		log.Errorf("recovering historian state from WAL: %s", err)
		cancel()
		return 2
	}
	cancel()

	reg := prometheus.NewRegistry()
	metricsrv.New(reg, eng, b, w)

	bridge, haveBridge, err := buildMQTTBridge(cfg.Extra, b)
	if err != nil {
		log.Fatalf("configuring mqtt bridge: %s", err)
	}

	checkers := []statusapi.HealthChecker{hist}
	if remote != nil {
		checkers = append(checkers, remote)
	}
	if haveBridge {
		checkers = append(checkers, bridge)
	}
	statusAPI := statusapi.New(":8090", eng, b, w, checkers...)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hist.Run(ctx); err != nil {
			log.Errorf("historian stopped: %s", err)
		}
	}()

	metricsSrv := metricsrv.NewServer(":9090", reg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsSrv.Run(ctx); err != nil {
			log.Errorf("metrics server stopped: %s", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusAPI.Run(ctx); err != nil {
			log.Errorf("status api stopped: %s", err)
		}
	}()

	store.RunRetentionLoop(6*time.Hour, ctx.Done(), &wg)

	if haveBridge {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				log.Errorf("mqtt bridge stopped: %s", err)
			}
		}()
	}

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Infof("shutting down")
	stop()
	eng.Stop()
	if err := w.Close(); err != nil {
		log.Errorf("closing WAL: %s", err)
	}

	wg.Wait()
	log.Infof("shutdown complete")
	return 0
}

func initialValue(sig config.SignalSpec) value.Value {
	switch sig.Type {
	case "bool":
		v, _ := sig.Initial.(bool)
		return value.FromBool(v)
	case "int":
		switch n := sig.Initial.(type) {
		case int:
			return value.FromInt32(int32(n))
		case int64:
			return value.FromInt32(int32(n))
		default:
			return value.FromInt32(0)
		}
	default:
		switch n := sig.Initial.(type) {
		case float64:
			return value.FromFloat64(n)
		case int:
			return value.FromFloat64(float64(n))
		default:
			return value.FromFloat64(0)
		}
	}
}

// buildMQTTBridge decodes the optional top-level "mqtt" block carried
// verbatim in cfg.Extra (the core config schema does not know adapter
// shapes) into an mqttbridge.Config. An absent "mqtt" key is not an
// error: most PETRA deployments have no field-bus adapter at all.
func buildMQTTBridge(extra map[string]any, b *bus.Bus) (*mqttbridge.Bridge, bool, error) {
	raw, ok := extra["mqtt"]
	if !ok {
		return nil, false, nil
	}

	type mapping struct {
		Signal  string `json:"signal"`
		Subject string `json:"subject"`
	}
	var doc struct {
		Address       string    `json:"address"`
		Username      string    `json:"username"`
		Password      string    `json:"password"`
		CredsFilePath string    `json:"creds_file_path"`
		Inbound       []mapping `json:"inbound"`
		Outbound      []mapping `json:"outbound"`
	}

	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, false, fmt.Errorf("re-encoding mqtt config: %w", err)
	}
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, false, fmt.Errorf("decoding mqtt config: %w", err)
	}
	if doc.Address == "" {
		return nil, false, fmt.Errorf("mqtt config requires an address")
	}

	cfg := mqttbridge.Config{
		Address: doc.Address, Username: doc.Username,
		Password: doc.Password, CredsFilePath: doc.CredsFilePath,
	}
	for _, m := range doc.Inbound {
		cfg.Inbound = append(cfg.Inbound, mqttbridge.SignalMapping{Signal: m.Signal, Subject: m.Subject})
	}
	for _, m := range doc.Outbound {
		cfg.Outbound = append(cfg.Outbound, mqttbridge.SignalMapping{Signal: m.Signal, Subject: m.Subject})
	}

	return mqttbridge.New(cfg, b), true, nil
}

func printFeatures(b *bus.Bus, cfg *config.Config) {
	fmt.Println("petra features:")
	fmt.Printf("  block kinds: %v\n", block.Kinds())
	fmt.Printf("  signals: %v\n", b.ListNames())
	fmt.Printf("  scan_time_ms: %d\n", cfg.ScanTimeMs)
}
