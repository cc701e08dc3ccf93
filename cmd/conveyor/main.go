// conveyor runs connector pipelines described by a YAML file: each
// pipeline pairs one source with one sink, optionally a rescue sink, and
// runner bounds. All pipelines in the file run concurrently until a
// signal triggers a graceful drain.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/registry"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
	"github.com/wavepipe/conveyor/pkg/pipeline"

	// Connector registrations
	_ "github.com/wavepipe/conveyor/pkg/connector/sinks/jsonl"
	_ "github.com/wavepipe/conveyor/pkg/connector/sinks/kafka"
	_ "github.com/wavepipe/conveyor/pkg/connector/sinks/mysql"
	_ "github.com/wavepipe/conveyor/pkg/connector/sinks/streamload"
	_ "github.com/wavepipe/conveyor/pkg/connector/sources/kafka"
	_ "github.com/wavepipe/conveyor/pkg/connector/sources/mysql"
)

var (
	version = "dev"
	commit  = "none"
)

type connectorConfig struct {
	Name    string                 `mapstructure:"name"`
	Type    string                 `mapstructure:"type"`
	Options map[string]interface{} `mapstructure:"options"`
}

type runnerConfig struct {
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	PollWait     time.Duration `mapstructure:"poll_wait"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	OnExhausted  string        `mapstructure:"on_exhausted"`
	Retry        struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxDelay    time.Duration `mapstructure:"max_delay"`
		Multiplier  float64       `mapstructure:"multiplier"`
		Jitter      float64       `mapstructure:"jitter"`
	} `mapstructure:"retry"`
}

type pipelineConfig struct {
	Name   string           `mapstructure:"name"`
	Source connectorConfig  `mapstructure:"source"`
	Sink   connectorConfig  `mapstructure:"sink"`
	Rescue *connectorConfig `mapstructure:"rescue"`
	Runner runnerConfig     `mapstructure:"runner"`
}

type fileConfig struct {
	Log         logger.Config    `mapstructure:"log"`
	MetricsAddr string           `mapstructure:"metrics_addr"`
	Pipelines   []pipelineConfig `mapstructure:"pipelines"`
}

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "conveyor",
		Short:         "Run source-to-sink connector pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "conveyor.yaml", "pipeline configuration file")

	root.AddCommand(runCmd(), listCmd(), validateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every pipeline in the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Log.Level == "" {
				cfg.Log.Level = "info"
			}
			if cfg.Log.Encoding == "" {
				cfg.Log.Encoding = "json"
			}
			if err := logger.Init(cfg.Log); err != nil {
				return err
			}
			defer logger.Sync()
			return runPipelines(cfg)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered connector types",
		Run: func(cmd *cobra.Command, args []string) {
			sources := registry.ListSources()
			sinks := registry.ListSinks()
			sort.Strings(sources)
			sort.Strings(sinks)
			fmt.Println("Sources:")
			for _, s := range sources {
				fmt.Println("  " + s)
			}
			fmt.Println("Sinks:")
			for _, s := range sinks {
				fmt.Println("  " + s)
			}
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			failed := false
			for _, p := range cfg.Pipelines {
				for _, spec := range pipelineSpecs(p) {
					if fieldErrs := registry.Validate(spec); len(fieldErrs) > 0 {
						failed = true
						for _, fe := range fieldErrs {
							fmt.Printf("%s/%s: %s\n", p.Name, spec.Name, fe.Error())
						}
					}
				}
				if _, err := runnerCfg(p.Runner); err != nil {
					failed = true
					fmt.Printf("%s/runner: %v\n", p.Name, err)
				}
			}
			if failed {
				return errors.New(errors.ErrorTypeConfig, "configuration is invalid")
			}
			fmt.Printf("%d pipeline(s) valid\n", len(cfg.Pipelines))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conveyor %s (%s)\n", version, commit)
		},
	}
}

func loadConfig(path string) (*fileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CONVEYOR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file")
	}
	if len(cfg.Pipelines) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "config file declares no pipelines")
	}
	seen := make(map[string]bool, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if p.Name == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "every pipeline needs a name")
		}
		if seen[p.Name] {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate pipeline name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return &cfg, nil
}

func pipelineSpecs(p pipelineConfig) []*config.Spec {
	specs := []*config.Spec{
		{Name: orDefault(p.Source.Name, p.Name+"-source"), Type: p.Source.Type,
			Direction: config.DirectionSource, Options: p.Source.Options},
		{Name: orDefault(p.Sink.Name, p.Name+"-sink"), Type: p.Sink.Type,
			Direction: config.DirectionSink, Options: p.Sink.Options},
	}
	if p.Rescue != nil {
		specs = append(specs, &config.Spec{
			Name: orDefault(p.Rescue.Name, p.Name+"-rescue"), Type: p.Rescue.Type,
			Direction: config.DirectionSink, Options: p.Rescue.Options})
	}
	return specs
}

func runnerCfg(rc runnerConfig) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if rc.MaxInFlight > 0 {
		cfg.MaxInFlight = rc.MaxInFlight
	}
	if rc.PollWait > 0 {
		cfg.PollWait = rc.PollWait
	}
	if rc.DrainTimeout > 0 {
		cfg.DrainTimeout = rc.DrainTimeout
	}
	if rc.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = rc.Retry.MaxAttempts
	}
	if rc.Retry.BaseDelay > 0 {
		cfg.Retry.BaseDelay = rc.Retry.BaseDelay
	}
	if rc.Retry.MaxDelay > 0 {
		cfg.Retry.MaxDelay = rc.Retry.MaxDelay
	}
	if rc.Retry.Multiplier > 0 {
		cfg.Retry.Multiplier = rc.Retry.Multiplier
	}
	if rc.Retry.Jitter > 0 {
		cfg.Retry.Jitter = rc.Retry.Jitter
	}
	cfg.OnExhausted = pipeline.ExhaustionPolicy(rc.OnExhausted)
	return cfg, cfg.Validate()
}

func buildRunner(p pipelineConfig) (*pipeline.Runner, error) {
	// Validate the runner tuning before opening any connections.
	cfg, err := runnerCfg(p.Runner)
	if err != nil {
		return nil, err
	}

	specs := pipelineSpecs(p)

	source, err := registry.BuildSource(specs[0])
	if err != nil {
		return nil, err
	}
	sink, err := registry.BuildSink(specs[1])
	if err != nil {
		source.Close(context.Background())
		return nil, err
	}

	var rescueSink core.Sink
	if p.Rescue != nil {
		rescueSink, err = registry.BuildSink(specs[2])
		if err != nil {
			source.Close(context.Background())
			sink.Close(context.Background())
			return nil, err
		}
	}

	return pipeline.NewRunner(p.Name, source, sink, rescueSink, cfg, logger.Get())
}

func runPipelines(cfg *fileConfig) error {
	log := logger.Get()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	runners := make([]*pipeline.Runner, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		runner, err := buildRunner(p)
		if err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "failed to build pipeline "+p.Name)
		}
		runners = append(runners, runner)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, len(runners))
	for _, r := range runners {
		wg.Add(1)
		go func(r *pipeline.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				errCh <- err
			}
		}(r)
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		} else {
			log.Error("additional pipeline failure", zap.Error(err))
		}
	}
	return first
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
