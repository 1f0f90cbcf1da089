package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"adsb-streamer/pkg/auth"
	"adsb-streamer/pkg/metrics"
	"adsb-streamer/pkg/models"
	"adsb-streamer/pkg/netcheck"
	"adsb-streamer/pkg/sensor"
	"adsb-streamer/pkg/spool"
	"adsb-streamer/pkg/streaming"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "adsb-streamer",
	Short: "Stream ADS-B aircraft data to Snowflake via Snowpipe Streaming",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Continuously read aircraft snapshots and append them to the streaming channel",
	Run: func(cmd *cobra.Command, args []string) {
		interval, _ := cmd.Flags().GetDuration("interval")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		fastMode, _ := cmd.Flags().GetBool("fast")
		adsbURL, _ := cmd.Flags().GetString("adsb-url")

		if adsbURL == "" {
			adsbURL = sensorURL()
		}

		var observer streaming.Observer
		if addr := viper.GetString("metrics.listen"); addr != "" {
			registry := prometheus.NewRegistry()
			collector := metrics.NewCollector(registry)
			observer = collector
			go func() {
				if err := metrics.Serve(addr, registry); err != nil {
					logger.Error("Metrics endpoint failed", "error", err)
				}
			}()
			logger.Info("Serving metrics", "addr", addr)
		}

		client, err := buildClient(observer)
		if err != nil {
			logger.Error("Error building streaming client", "error", err)
			os.Exit(1)
		}

		adsb, err := sensor.New(adsbURL, viper.GetString("transport"), logger)
		if err != nil {
			logger.Error("Error building sensor", "error", err)
			os.Exit(1)
		}

		var spoolDB *spool.DB
		if spool.Configured() {
			spoolDB, err = initSpoolDB()
			if err != nil {
				logger.Error("Error initializing spool database", "error", err)
				os.Exit(1)
			}
			defer spoolDB.Close()
			logger.Info("Dead-letter spool enabled")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := client.Open(ctx); err != nil {
			logger.Error("Error opening channel", "error", err)
			os.Exit(1)
		}

		exitCode := runStreamLoop(ctx, client, adsb, spoolDB, interval, batchSize, fastMode)

		shutdown(client)
		os.Exit(exitCode)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Read one aircraft snapshot and print a summary",
	Run: func(cmd *cobra.Command, args []string) {
		adsb, err := sensor.New(sensorURL(), viper.GetString("transport"), logger)
		if err != nil {
			logger.Error("Error building sensor", "error", err)
			os.Exit(1)
		}

		summary, err := adsb.Summarize(context.Background())
		if err != nil {
			logger.Error("Error reading sensor", "error", err)
			os.Exit(1)
		}

		rows, err := adsb.Read(context.Background())
		if err != nil {
			logger.Error("Error reading sensor", "error", err)
			os.Exit(1)
		}

		out, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(out))
		if len(rows) > 0 {
			sample, _ := json.MarshalIndent(rows[0], "", "  ")
			fmt.Printf("Sample record:\n%s\n", sample)
		}
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [channel] [offset]",
	Short: "Poll channel status until the given offset is committed",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		offset, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			logger.Error("Invalid offset value", "error", err)
			os.Exit(1)
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client, err := buildClientForChannel(args[0])
		if err != nil {
			logger.Error("Error building streaming client", "error", err)
			os.Exit(1)
		}

		ctx := context.Background()
		if _, err := client.DiscoverIngestHost(ctx); err != nil {
			logger.Error("Error discovering ingest host", "error", err)
			os.Exit(1)
		}

		if client.WaitForCommit(ctx, offset, timeout, 2*time.Second) {
			logger.Info("Offset committed", "channel", args[0], "offset", offset)
		} else {
			logger.Warn("Offset not confirmed within timeout", "channel", args[0], "offset", offset)
			os.Exit(1)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe reachability of the control host and the ADS-B receiver",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		transportConfig := viper.GetString("transport")

		controlAddr := fmt.Sprintf("%s.snowflakecomputing.com:443",
			viper.GetString("snowflake.account"))
		targets := []string{controlAddr}

		if host := hostPortOf(sensorURL()); host != "" {
			targets = append(targets, host)
		}

		failed := false
		for _, target := range targets {
			report, err := netcheck.CheckTCP(ctx, transportConfig, target, 10*time.Second)
			if err != nil {
				logger.Error("Probe setup failed", "error", err)
				os.Exit(1)
			}
			if report.IsSuccess() {
				logger.Info("Reachable", "address", target, "durationMs", report.DurationMs)
			} else {
				logger.Error("Unreachable", "address", target, "error", report.Error)
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

var spoolCmd = &cobra.Command{
	Use:   "spool",
	Short: "Inspect and replay dead-lettered batches",
}

var spoolReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-append spooled batches through a fresh channel",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initSpoolDB()
		if err != nil {
			logger.Error("Error initializing spool database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		batches, err := db.UnreplayedBatches(ctx)
		if err != nil {
			logger.Error("Error loading spooled batches", "error", err)
			os.Exit(1)
		}
		if len(batches) == 0 {
			logger.Info("Nothing to replay")
			return
		}

		client, err := buildClient(nil)
		if err != nil {
			logger.Error("Error building streaming client", "error", err)
			os.Exit(1)
		}
		if err := client.Open(ctx); err != nil {
			logger.Error("Error opening channel", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		replayed := 0
		for _, batch := range batches {
			// Replayed batches get fresh offsets: their original offsets
			// belong to a channel that no longer exists.
			result, err := client.AppendPayload(ctx, batch.Payload, batch.RowCount)
			if err != nil {
				logger.Error("Replay append failed; stopping",
					"spoolID", batch.ID, "error", err)
				break
			}
			if err := db.MarkReplayed(ctx, batch.ID); err != nil {
				logger.Error("Error marking batch replayed", "spoolID", batch.ID, "error", err)
				break
			}
			logger.Info("Batch replayed",
				"spoolID", batch.ID, "rows", batch.RowCount, "offset", result.Offset)
			replayed++
		}

		logger.Info("Replay finished", "replayed", replayed, "pending", len(batches)-replayed)
		if replayed > 0 {
			client.WaitForCommit(ctx, client.Offset(), 30*time.Second, 2*time.Second)
		}
	},
}

var spoolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show spool contents",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initSpoolDB()
		if err != nil {
			logger.Error("Error initializing spool database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		stats, err := db.Stats(context.Background())
		if err != nil {
			logger.Error("Error reading spool stats", "error", err)
			os.Exit(1)
		}
		logger.Info("Spool contents",
			"pendingBatches", stats.Pending,
			"pendingRows", stats.PendingRows,
			"replayedBatches", stats.Replayed)
	},
}

var spoolPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete replayed batches from the spool",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initSpoolDB()
		if err != nil {
			logger.Error("Error initializing spool database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		purged, err := db.PurgeReplayed(context.Background())
		if err != nil {
			logger.Error("Error purging spool", "error", err)
			os.Exit(1)
		}
		logger.Info("Spool purged", "deleted", purged)
	},
}

// runStreamLoop is the batch cadence: read, append, spool on failure, repeat
// until the context is cancelled. Returns the process exit code.
func runStreamLoop(ctx context.Context, client *streaming.Client, adsb *sensor.Sensor,
	spoolDB *spool.DB, interval time.Duration, batchSize int, fastMode bool) int {

	snapshotInterval := interval
	if batchSize > 1 {
		snapshotInterval = interval / time.Duration(batchSize)
	}
	if fastMode {
		snapshotInterval = 500 * time.Millisecond
	} else if snapshotInterval < 3*time.Second {
		// The receiver refreshes about every three seconds; polling faster
		// rereads the same aircraft states.
		snapshotInterval = 3 * time.Second
	}

	logger.Info("Starting stream loop",
		"interval", interval,
		"batchSize", batchSize,
		"channel", client.ChannelName())

	batchCount := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown requested")
			return 0
		default:
		}

		batchCount++
		batchStart := time.Now()

		rows, err := adsb.ReadBatch(ctx, batchSize, snapshotInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sensor read failed", "error", err)
		}

		if len(rows) == 0 {
			logger.Info("No aircraft currently visible", "batch", batchCount)
		} else {
			result, err := client.Append(ctx, rows)
			if err != nil {
				logger.Error("Failed to append batch",
					"batch", batchCount, "rows", len(rows), "error", err)
				spoolFailedBatch(ctx, client, spoolDB, rows, err)

				var appendErr *streaming.AppendError
				if errors.As(err, &appendErr) && appendErr.Kind == streaming.FailureRejected {
					// The channel's tokens were not accepted; a rejected
					// session never recovers by retrying.
					logger.Error("Channel rejected; restart to open a fresh channel")
					return 1
				}
			} else {
				logger.Info("Batch sent",
					"batch", batchCount, "rows", result.RowCount, "offset", result.Offset)
			}
		}

		if batchCount%10 == 0 {
			logStats(client)
		}

		sleep := interval - time.Since(batchStart)
		if sleep > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(sleep):
			}
		}
	}
}

func spoolFailedBatch(ctx context.Context, client *streaming.Client, db *spool.DB,
	rows []models.Row, appendErr error) {
	if db == nil {
		return
	}

	payload, err := streaming.EncodePayload(rows)
	if err != nil {
		logger.Error("Cannot spool unencodable batch", "error", err)
		return
	}

	kind := string(streaming.FailureTransient)
	var classified *streaming.AppendError
	if errors.As(appendErr, &classified) {
		kind = string(classified.Kind)
	}

	batch := &models.SpooledBatch{
		RunID:        client.RunID(),
		ChannelName:  client.ChannelName(),
		TargetOffset: client.Offset() + 1,
		RowCount:     len(rows),
		Payload:      payload,
		FailureKind:  kind,
		FailureMsg:   appendErr.Error(),
	}
	if err := db.AddBatch(ctx, batch); err != nil {
		logger.Error("Failed to spool batch", "error", err)
		return
	}
	logger.Info("Batch spooled for replay", "rows", len(rows), "spoolID", batch.ID)
}

func shutdown(client *streaming.Client) {
	logStats(client)

	if offset := client.Offset(); offset > 0 {
		// Best-effort durability check on the way out; data may still commit
		// after we stop watching.
		client.WaitForCommit(context.Background(), offset, 30*time.Second, 2*time.Second)
	}
	client.Close()
	logger.Info("Shutdown complete")
}

func logStats(client *streaming.Client) {
	snap := client.Stats().Snapshot()
	logger.Info("Ingestion statistics",
		"rowsSent", snap.RowsSent,
		"batchesSent", snap.BatchesSent,
		"bytesSent", snap.BytesSent,
		"errors", snap.Errors,
		"warnings", snap.Warnings,
		"elapsed", snap.Elapsed.Round(time.Second),
		"rowsPerSec", fmt.Sprintf("%.2f", snap.RowsPerSec),
		"currentOffset", client.Offset())
}

func buildClient(observer streaming.Observer) (*streaming.Client, error) {
	provider, err := buildTokenProvider()
	if err != nil {
		return nil, err
	}

	config := streaming.Config{
		Account:     viper.GetString("snowflake.account"),
		Database:    viper.GetString("snowflake.database"),
		Schema:      viper.GetString("snowflake.schema"),
		Pipe:        viper.GetString("snowflake.pipe"),
		ChannelBase: viper.GetString("snowflake.channel_name"),
		Transport:   viper.GetString("transport"),
	}

	var opts []streaming.Option
	if observer != nil {
		opts = append(opts, streaming.WithObserver(observer))
	}
	return streaming.NewClient(config, provider, logger, opts...)
}

func buildClientForChannel(channelName string) (*streaming.Client, error) {
	provider, err := buildTokenProvider()
	if err != nil {
		return nil, err
	}

	config := streaming.Config{
		Account:     viper.GetString("snowflake.account"),
		Database:    viper.GetString("snowflake.database"),
		Schema:      viper.GetString("snowflake.schema"),
		Pipe:        viper.GetString("snowflake.pipe"),
		ChannelName: channelName,
		Transport:   viper.GetString("transport"),
	}
	return streaming.NewClient(config, provider, logger)
}

func buildTokenProvider() (*auth.Provider, error) {
	method := auth.Method(viper.GetString("snowflake.auth_method"))
	if method == "" {
		method = auth.MethodKeyPair
	}

	source, err := auth.NewSource(auth.Config{
		Method:         method,
		Account:        viper.GetString("snowflake.account"),
		User:           viper.GetString("snowflake.user"),
		Role:           viper.GetString("snowflake.role"),
		PrivateKeyPath: viper.GetString("snowflake.private_key_path"),
		PAT:            viper.GetString("snowflake.pat"),
		Transport:      viper.GetString("transport"),
	})
	if err != nil {
		return nil, fmt.Errorf("error building token source: %v", err)
	}
	return auth.NewProvider(source, logger), nil
}

func initSpoolDB() (*spool.DB, error) {
	db, err := spool.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func sensorURL() string {
	if url := viper.GetString("sensor.url"); url != "" {
		return url
	}
	return "http://localhost:8080/data/aircraft.json"
}

func hostPortOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := parsed.Host
	if parsed.Port() == "" {
		if parsed.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	streamCmd.Flags().Duration("interval", 3*time.Second, "Seconds between batches")
	streamCmd.Flags().Int("batch-size", 1, "Snapshots per batch")
	streamCmd.Flags().Bool("fast", false, "Minimize snapshot spacing for maximum throughput")
	streamCmd.Flags().String("adsb-url", "", "ADS-B aircraft.json URL (overrides config)")

	verifyCmd.Flags().Duration("timeout", 60*time.Second, "How long to wait for the commit")

	spoolCmd.AddCommand(spoolReplayCmd)
	spoolCmd.AddCommand(spoolStatsCmd)
	spoolCmd.AddCommand(spoolPurgeCmd)

	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(spoolCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.adsb-streamer")
	viper.AddConfigPath("/etc/adsb-streamer/")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
