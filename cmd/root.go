package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"llamaburn/internal/cli"
	"llamaburn/internal/mockserver"
	"llamaburn/internal/ollama"
	"llamaburn/internal/storage"
	"llamaburn/internal/stress"
	"llamaburn/internal/sysmon"
)

var (
	cfgFile string
	verbose bool

	host   string
	model  string
	prompt string

	outPrefix string
	noHistory bool
	noSysmon  bool
)

var rootCmd = &cobra.Command{
	Use:   "llamaburn",
	Short: "llamaburn - capacity testing for local inference servers",
	Long: `
llamaburn drives concurrent load against a local model-serving endpoint,
measures latency and throughput per concurrency level, and finds the
degradation and failure points of the server.

Modes: ramp (escalate until failure), sweep (full curve across levels),
sustained (fixed load over time), spike (burst and recovery).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStress(cmd.Context())
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(mockCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.llamaburn.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&host, "host", ollama.DefaultHost, "inference server base URL")

	f := rootCmd.Flags()
	f.StringVarP(&model, "model", "m", "", "model to stress (required)")
	f.StringVarP(&prompt, "prompt", "p", "Why is the sky blue?", "prompt sent on every request")

	f.String("mode", "sweep", "ramp | sweep | sustained | spike")
	f.String("arrival-pattern", "static", "static | poisson")
	f.Int("min-concurrency", 1, "starting concurrency level")
	f.Int("max-concurrency", 16, "maximum concurrency level")
	f.Int("step-size", 1, "ramp step size")
	f.IntSlice("levels", nil, "explicit sweep level list (overrides doubling)")
	f.Duration("level-duration", 30*time.Second, "time spent per level (ramp/sweep, spike settling)")
	f.Duration("total-duration", 60*time.Second, "sustained run duration")
	f.Int("baseline-concurrency", 1, "spike baseline level")
	f.Int("spike-concurrency", 0, "spike burst level")
	f.Duration("spike-duration", 10*time.Second, "spike burst duration")
	f.Duration("think-time", 0, "pause between closed-loop requests")
	f.Duration("request-timeout", 30*time.Second, "per-request deadline")
	f.Duration("warmup-window", 2*time.Second, "per-level warmup excluded from stats")
	f.Duration("cooldown-window", 1*time.Second, "per-level cooldown excluded from stats")
	f.Float64("degradation-factor", 2.0, "p99 multiple of baseline that counts as degraded")
	f.Float64("failure-error-rate", 0.05, "error rate that counts as failed")
	f.Bool("stop-on-failure", false, "stop sweep/sustained at first failed classification")
	f.Float64("arrival-rate", 1.0, "per-client open-loop dispatch rate (req/s)")
	f.Duration("classifier-interval", time.Second, "capacity classifier tick")
	f.Duration("recovery-interval", 0, "spike recovery sampling interval (required for spike)")
	f.Duration("recovery-max-wait", 0, "spike recovery max wait (required for spike)")

	f.StringVarP(&outPrefix, "out", "o", "", "JSON result export prefix")
	f.BoolVar(&noHistory, "no-history", false, "skip saving the run to history")
	f.BoolVar(&noSysmon, "no-sysmon", false, "skip host resource sampling")

	// Flags stay dashed; config-file and env keys are snake_case. Binding
	// each flag under its snake_case key lands all three sources on the
	// same viper key, so LLAMABURN_MIN_CONCURRENCY and a min_concurrency
	// yaml entry both reach the config.
	rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".llamaburn")
		}
	}
	viper.SetEnvPrefix("LLAMABURN")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func newLogger() *zap.Logger {
	if verbose {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func stressConfig() (stress.Config, error) {
	var cfg stress.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return stress.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

func runStress(ctx context.Context) error {
	if model == "" {
		return fmt.Errorf("--model is required")
	}

	log := newLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := stressConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	exec := ollama.NewClient(host, cfg.RequestTimeout, log)
	payload := stress.Payload{Model: model, Prompt: prompt}

	opts := []stress.Option{}
	monCtx, stopMon := context.WithCancel(ctx)
	defer stopMon()
	if !noSysmon {
		mon := sysmon.NewMonitor(time.Second, log)
		go mon.Run(monCtx)
		opts = append(opts, stress.WithProfiler(mon))
	}

	d := stress.NewDriver(cfg, exec, payload, log, opts...)

	cliOpts := cli.Options{OutPrefix: outPrefix, NoHistory: noHistory}
	if !noHistory {
		if path, err := storage.DefaultPath(); err == nil {
			if store, err := storage.Open(path); err == nil {
				defer store.Close()
				cliOpts.Store = store
			} else {
				log.Warn("history store unavailable", zap.Error(err))
			}
		}
	}

	_, err = cli.Start(ctx, d, cfg, cliOpts, log)
	return err
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a mock inference server with a tunable saturation point",
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		latency, _ := cmd.Flags().GetDuration("latency")
		capacity, _ := cmd.Flags().GetInt("capacity")

		log := newLogger()
		defer func() { _ = log.Sync() }()

		mockserver.New(mockserver.Config{
			Port:        port,
			BaseLatency: latency,
			Capacity:    capacity,
		}, log).Start()
		<-cmd.Context().Done()
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models installed on the inference server",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer func() { _ = log.Sync() }()

		client := ollama.NewClient(host, 10*time.Second, log)
		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Printf("%-40s %6.1f GB\n", m.Name, float64(m.Size)/1e9)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past stress runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := storage.DefaultPath()
		if err != nil {
			return err
		}
		store, err := storage.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		entries := store.List()
		if len(entries) == 0 {
			fmt.Println("no runs recorded yet")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-9s %-10s %-22s lvls=%-3d reqs=%-7d errs=%d\n",
				e.StartedAt.Format("2006-01-02 15:04:05"),
				e.Mode, e.FinalState, e.Model, e.Levels, e.Requests, e.Errors)
		}
		return nil
	},
}

func init() {
	mockCmd.Flags().Int("port", 11435, "port to listen on")
	mockCmd.Flags().Duration("latency", 80*time.Millisecond, "base service time")
	mockCmd.Flags().Int("capacity", 8, "concurrent requests before saturation")
}
