package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/trending"
	"github.com/JasonPaff/head-shakers/backend/internal/views"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTrendingCommand() *cobra.Command {
	var (
		targetTypes []string
		timeframes  []string
		minViews    int
		engagement  bool
	)
	cmd := &cobra.Command{
		Use:   "trending",
		Short: "Recalculate trending lists once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := trending.ParsePayload(minViews, targetTypes, timeframes, engagement)
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			job, err := app.newJob(nil)
			if err != nil {
				return err
			}
			started := time.Now()
			result, err := job.CalculateTrending(cmd.Context(), payload)
			if err != nil {
				return err
			}
			app.logger.Info("trending recalculated",
				zap.Int("cache_updates", result.CacheUpdates),
				zap.Int("errors", len(result.Errors)),
				zap.Duration("elapsed", time.Since(started)))

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
	cmd.Flags().StringSliceVar(&targetTypes, "target-types", nil, "Target types to rank (default all)")
	cmd.Flags().StringSliceVar(&timeframes, "timeframes", nil, "Timeframes to rank (default all)")
	cmd.Flags().IntVar(&minViews, "min-views", 1, "Minimum views for a target to rank")
	cmd.Flags().BoolVar(&engagement, "engagement", false, "Also compute engagement rankings")
	return cmd
}

func newPurgeViewsCommand() *cobra.Command {
	var filter struct {
		targetType string
		targetID   string
		viewerID   string
		viewIDs    []string
	}
	cmd := &cobra.Command{
		Use:   "purge-views",
		Short: "Delete recorded views matching the given filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			deleted, err := app.views.DeleteViews(cmd.Context(), views.DeleteFilter{
				TargetType: views.TargetType(filter.targetType),
				TargetID:   filter.targetID,
				ViewerID:   filter.viewerID,
				ViewIDs:    filter.viewIDs,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d views\n", deleted)
			return err
		},
	}
	cmd.Flags().StringVar(&filter.targetType, "target-type", "", "Target type of the views to delete")
	cmd.Flags().StringVar(&filter.targetID, "target-id", "", "Target id of the views to delete")
	cmd.Flags().StringVar(&filter.viewerID, "viewer-id", "", "Viewer whose views are deleted")
	cmd.Flags().StringSliceVar(&filter.viewIDs, "view-id", nil, "Individual view ids to delete")
	return cmd
}
