package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"qabench/internal/adapter"
	"qabench/internal/answerstub"
	"qabench/internal/bench"
	"qabench/internal/collector"
	"qabench/internal/compare"
	"qabench/internal/report"
	"qabench/internal/runner"
	"qabench/internal/sampler"
	"qabench/internal/stats"
	"qabench/internal/storage"
)

var (
	cfgFile   string
	storePath string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "qabench",
	Short: "qabench - benchmark and compare answer-serving systems",
	Long: `qabench drives configurable load scenarios against candidate
answer-serving systems, records per-request and per-interval measurements,
and produces a structured metric-by-metric comparison between candidates.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "scenario config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "artifact store path (default $HOME/.qabench/qabench.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(stubCmd)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func defaultStorePath() (string, error) {
	if storePath != "" {
		return storePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".qabench", "qabench.db"), nil
}

// fileConfig is the YAML shape of a benchmark definition. Durations are
// plain seconds, overridable per flag.
type fileConfig struct {
	Scenario struct {
		ID               string   `mapstructure:"id"`
		Kind             string   `mapstructure:"kind"`
		Levels           []int    `mapstructure:"levels"`
		LevelDurationSec int      `mapstructure:"level_duration_sec"`
		UserRate         float64  `mapstructure:"user_rate"`
		WarmupRequests   int      `mapstructure:"warmup_requests"`
		TimeoutSec       int      `mapstructure:"timeout_sec"`
		GraceSec         int      `mapstructure:"grace_sec"`
		FaultProportion  float64  `mapstructure:"fault_proportion"`
		Queries          []string `mapstructure:"queries"`
		QueryFile        string   `mapstructure:"query_file"`
	} `mapstructure:"scenario"`
	Candidates []struct {
		Name string `mapstructure:"name"`
		URL  string `mapstructure:"url"`
	} `mapstructure:"candidates"`
	Baseline string `mapstructure:"baseline"`
}

func loadConfig() (*fileConfig, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	v := viper.New()
	v.SetConfigFile(cfgFile)
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &fc, nil
}

func (fc *fileConfig) scenario() (bench.ScenarioConfig, error) {
	s := fc.Scenario

	var gen bench.QueryGenerator
	switch {
	case s.QueryFile != "":
		fg, err := bench.NewFileGenerator(s.QueryFile)
		if err != nil {
			return bench.ScenarioConfig{}, err
		}
		gen = fg
	case len(s.Queries) > 0:
		gen = bench.NewListGenerator(s.Queries...)
	}

	return bench.ScenarioConfig{
		ID:              s.ID,
		Kind:            bench.ScenarioKind(s.Kind),
		Levels:          s.Levels,
		LevelDuration:   time.Duration(s.LevelDurationSec) * time.Second,
		UserRate:        s.UserRate,
		WarmupRequests:  s.WarmupRequests,
		Timeout:         time.Duration(s.TimeoutSec) * time.Second,
		GracePeriod:     time.Duration(s.GraceSec) * time.Second,
		FaultProportion: s.FaultProportion,
		Queries:         gen,
	}, nil
}

var runOut string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scenario against every candidate and compare",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		fc, err := loadConfig()
		if err != nil {
			return err
		}
		scn, err := fc.scenario()
		if err != nil {
			return err
		}
		if len(fc.Candidates) == 0 {
			return fmt.Errorf("config names no candidates")
		}

		dbPath, err := defaultStorePath()
		if err != nil {
			return err
		}
		store, err := storage.NewStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runID := uuid.NewString()
		log = log.With(zap.String("run_id", runID))
		log.Info("starting benchmark run", zap.String("scenario", scn.ID))

		smp := sampler.New(log)
		summaries := map[string]map[bench.Key]stats.AggregatedMetrics{}

		for _, cand := range fc.Candidates {
			log.Info("benchmarking candidate", zap.String("candidate", cand.Name), zap.String("url", cand.URL))

			col := collector.New(nil, log)
			client := adapter.NewHTTPClient(cand.URL, log)
			run, err := runner.New(scn, client, col, smp, log)
			if err != nil {
				return err
			}

			sets, runErr := run.Run(ctx)
			byKey := map[bench.Key]stats.AggregatedMetrics{}
			for _, rs := range sets {
				if err := store.SaveRecordSet(cand.Name, rs); err != nil {
					return err
				}
				m := stats.Aggregate(rs)
				if err := store.SaveSummary(cand.Name, m); err != nil {
					return err
				}
				byKey[m.Key()] = m
			}
			summaries[cand.Name] = byKey
			if runErr != nil {
				log.Warn("scenario ended early", zap.String("candidate", cand.Name), zap.Error(runErr))
			}
		}

		return emitComparison(fc, scn, runID, summaries)
	},
}

func emitComparison(fc *fileConfig, scn bench.ScenarioConfig, runID string, summaries map[string]map[bench.Key]stats.AggregatedMetrics) error {
	baseline := fc.Baseline
	if baseline == "" {
		baseline = fc.Candidates[0].Name
	}
	base, ok := summaries[baseline]
	if !ok {
		return fmt.Errorf("baseline candidate %q was not benchmarked", baseline)
	}

	out := map[string]any{}
	for _, cand := range fc.Candidates {
		if cand.Name == baseline {
			continue
		}
		set, err := compare.CompareAll(base, summaries[cand.Name], compare.Options{})
		if err != nil {
			return err
		}

		tmpl := report.Template{
			"run_id":       report.SlotString,
			"scenario":     report.SlotString,
			"baseline":     report.SlotString,
			"candidate":    report.SlotString,
			"generated_at": report.SlotTime,
			"comparison":   report.SlotComparison,
		}
		filled, err := report.Fill(tmpl, map[string]any{
			"run_id":       runID,
			"scenario":     scn.ID,
			"baseline":     baseline,
			"candidate":    cand.Name,
			"generated_at": time.Now(),
			"comparison":   set,
		})
		if err != nil {
			return err
		}
		out[cand.Name] = filled
	}

	return writeJSON(runOut, out)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var (
	compareBaseline  string
	compareCandidate string
	compareThreshold float64
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare two candidates' stored summaries without re-running load",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := defaultStorePath()
		if err != nil {
			return err
		}
		store, err := storage.NewStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		base, err := store.Summaries(compareBaseline)
		if err != nil {
			return err
		}
		if len(base) == 0 {
			return fmt.Errorf("no stored summaries for baseline %q", compareBaseline)
		}
		cand, err := store.Summaries(compareCandidate)
		if err != nil {
			return err
		}
		if len(cand) == 0 {
			return fmt.Errorf("no stored summaries for candidate %q", compareCandidate)
		}

		set, err := compare.CompareAll(base, cand, compare.Options{NoiseThreshold: compareThreshold})
		if err != nil {
			return err
		}
		return writeJSON(runOut, set)
	},
}

var (
	replayCandidate string
	replayScenario  string
	replayLevel     int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-aggregate a stored run artifact without re-running load",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := defaultStorePath()
		if err != nil {
			return err
		}
		store, err := storage.NewStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		key := bench.Key{ScenarioID: replayScenario, Level: replayLevel}
		rs, err := store.LoadRecordSet(replayCandidate, key)
		if err != nil {
			return err
		}
		return writeJSON(runOut, stats.Aggregate(rs))
	},
}

var (
	stubAddr      string
	stubLatencyMs int
	stubJitterMs  int
	stubErrorRate float64
)

var stubCmd = &cobra.Command{
	Use:   "serve-stub",
	Short: "Serve a stand-in answer endpoint for trial runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := answerstub.New(answerstub.Config{
			BaseLatency: time.Duration(stubLatencyMs) * time.Millisecond,
			Jitter:      time.Duration(stubJitterMs) * time.Millisecond,
			ErrorRate:   stubErrorRate,
		})
		fmt.Printf("answer stub listening on %s (POST /query)\n", stubAddr)
		return srv.ListenAndServe(stubAddr)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the comparison report to a file instead of stdout")

	compareCmd.Flags().StringVar(&compareBaseline, "baseline", "", "baseline candidate name")
	compareCmd.Flags().StringVar(&compareCandidate, "candidate", "", "candidate name to compare against the baseline")
	compareCmd.Flags().Float64Var(&compareThreshold, "noise-threshold", 0, "relative tie threshold (default 0.03)")
	compareCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the comparison to a file instead of stdout")
	compareCmd.MarkFlagRequired("baseline")
	compareCmd.MarkFlagRequired("candidate")

	replayCmd.Flags().StringVar(&replayCandidate, "candidate", "", "candidate name")
	replayCmd.Flags().StringVar(&replayScenario, "scenario", "", "scenario id")
	replayCmd.Flags().IntVar(&replayLevel, "level", 0, "concurrency level")
	replayCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the summary to a file instead of stdout")
	replayCmd.MarkFlagRequired("candidate")
	replayCmd.MarkFlagRequired("scenario")
	replayCmd.MarkFlagRequired("level")

	stubCmd.Flags().StringVar(&stubAddr, "addr", ":8080", "listen address")
	stubCmd.Flags().IntVar(&stubLatencyMs, "latency", 50, "base latency in ms")
	stubCmd.Flags().IntVar(&stubJitterMs, "jitter", 20, "latency jitter in ms")
	stubCmd.Flags().Float64Var(&stubErrorRate, "error-rate", 0, "probability of a 500 response")
}
