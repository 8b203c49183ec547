package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/consumer"
	"example.com/platform/services/eventbus/internal/metrics"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the consumer loops that dispatch events to subscribers, promote due retries and watch DLQ pressure`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := registerBuiltins(a.registry); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	cons := consumer.New(a.store, a.registry, a.retryMgr, a.metadata, a.cfg.Bus, a.cfg.Consumer)
	g.Go(func() error {
		log.Info().
			Str("group", a.cfg.Consumer.Group).
			Int("loops", a.cfg.Consumer.Loops).
			Msg("Starting consumer loops")
		return cons.Run(ctx)
	})

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(a.cfg.Retry.DispatchInterval),
			gocron.NewTask(func() {
				if _, err := a.retryMgr.DispatchDue(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to dispatch due retries")
				}
			}),
		)
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(time.Minute),
			gocron.NewTask(func() {
				size, err := a.retryMgr.DLQSize(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to read DLQ size")
					return
				}
				metrics.GetCollector().SetGauge(metrics.GaugeDLQSize, float64(size))
				if float64(size) >= float64(a.cfg.Retry.DLQMaxLen)*a.cfg.Retry.DLQWarnRatio {
					log.Warn().
						Int64("size", size).
						Int64("maxLen", a.cfg.Retry.DLQMaxLen).
						Msg("DLQ approaching capacity")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker stopped")
	return nil
}

// registerBuiltins wires the subscriptions this process serves. The audit
// handler runs last so domain handlers have settled before the event is
// logged as delivered.
func registerBuiltins(registry *bus.Registry) error {
	return registry.Register("*", "audit-log", 100, bus.HandlerFunc(
		func(ctx context.Context, evt *bus.Envelope) error {
			log.Info().
				Str("eventId", evt.ID).
				Str("eventType", evt.Type).
				Str("tenantId", evt.TenantID).
				Str("correlationId", evt.CorrelationID).
				Time("timestamp", evt.Timestamp).
				Msg("Audit")
			return nil
		}))
}
