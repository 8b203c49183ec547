package cmd

import (
	"context"
	"time"

	"example.com/platform/services/eventbus/internal/models"
	"example.com/platform/services/eventbus/internal/replay"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	replayStart     string
	replayEnd       string
	replayEventType string
	replayTenant    string
	replayBatch     int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical events",
	Long:  `Re-publish events from a past time window back onto the bus and wait for the job to finish`,
	RunE:  runReplay,
}

func init() {
	defaultStart := time.Now().Add(-24 * time.Hour).Format(time.DateTime)

	replayCmd.Flags().StringVarP(&replayStart, "start", "s", defaultStart, "Start of the replay window (format: 2006-01-02 15:04:05)")
	replayCmd.Flags().StringVarP(&replayEnd, "end", "e", "", "End of the replay window, defaults to now")
	replayCmd.Flags().StringVarP(&replayEventType, "type", "t", "", "Only replay events of this type")
	replayCmd.Flags().StringVarP(&replayTenant, "tenant", "n", "", "Only replay events of this tenant")
	replayCmd.Flags().IntVarP(&replayBatch, "batch", "b", 0, "Batch size, defaults to the configured value")

	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	start, err := time.Parse(time.DateTime, replayStart)
	if err != nil {
		return err
	}

	var end time.Time
	if replayEnd != "" {
		end, err = time.Parse(time.DateTime, replayEnd)
		if err != nil {
			return err
		}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	job, err := a.replayer.StartReplay(ctx, replay.Request{
		From:      start,
		To:        end,
		EventType: replayEventType,
		TenantID:  replayTenant,
		BatchSize: replayBatch,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("jobId", job.JobID).
		Int64("total", job.TotalCount).
		Msg("Replay started, waiting for completion")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		job, err = a.replayer.GetStatus(ctx, job.JobID)
		if err != nil {
			return err
		}
		if job == nil || job.Status == models.ReplayRunning {
			continue
		}

		if job.Status == models.ReplayFailed {
			log.Error().
				Str("jobId", job.JobID).
				Int64("replayed", job.ReplayedCount).
				Str("reason", job.LastError).
				Msg("Replay failed")
		} else {
			log.Info().
				Str("jobId", job.JobID).
				Int64("replayed", job.ReplayedCount).
				Msg("Replay completed")
		}
		return nil
	}
}
