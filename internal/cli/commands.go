package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/richardliu001/realtime-relay/internal/app"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"github.com/richardliu001/realtime-relay/internal/service"
)

func newPublishCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one batch of pending events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRelay(cmd, opts, func(ctx context.Context, rel *app.Relay) error {
				res, err := rel.Publisher.PublishBatch(ctx, limit)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
					fmt.Fprintf(w, "published=%d failed=%d skipped=%d oldest_pending=%ds\n",
						res.Published, res.Failed, res.Skipped, res.OldestPendingSeconds)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", service.DefaultBatchLimit, "max events to claim (1-500)")
	return cmd
}

func newRequeueCommand(opts *RootOptions) *cobra.Command {
	var filter repo.RequeueFilter
	var all bool
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Move failed events back to pending",
		Long: `Move failed events back to pending so the next batch retries them.

Select events with --id (repeatable) and/or --tenant. Requeueing every
failed event needs --all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(filter.IDs) == 0 && filter.TenantID == "" && !all {
				return fmt.Errorf("refusing to requeue every failed event without --all")
			}
			return withRelay(cmd, opts, func(ctx context.Context, rel *app.Relay) error {
				n, err := rel.Store.RequeueFailed(ctx, filter)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, map[string]int64{"requeued": n}, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %d event(s)\n", n)
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&filter.IDs, "id", nil, "event id to requeue")
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "only requeue this tenant's events")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 0, "max events to requeue (0 = no limit)")
	cmd.Flags().BoolVar(&all, "all", false, "allow requeueing without an id or tenant filter")
	return cmd
}

type statsView struct {
	Pending              int64 `json:"pending"`
	Published            int64 `json:"published"`
	Failed               int64 `json:"failed"`
	OldestPendingSeconds int64 `json:"oldestPendingSeconds"`
}

func newStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show outbox counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRelay(cmd, opts, func(ctx context.Context, rel *app.Relay) error {
				st, err := rel.Store.Stats(ctx, time.Now())
				if err != nil {
					return err
				}
				v := statsView{
					Pending:              st.Pending,
					Published:            st.Published,
					Failed:               st.Failed,
					OldestPendingSeconds: int64(st.OldestPendingAge / time.Second),
				}
				return emit(cmd.OutOrStdout(), opts.Format, v, func(w io.Writer) {
					fmt.Fprintf(w, "pending=%d published=%d failed=%d oldest_pending=%ds\n",
						v.Pending, v.Published, v.Failed, v.OldestPendingSeconds)
				})
			})
		},
	}
}

func newReplayCommand(opts *RootOptions) *cobra.Command {
	var (
		q     service.ReplayQuery
		since string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print a board's recent published events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				ts, err := time.Parse(time.RFC3339Nano, since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				q.Since = &ts
			}
			return withRelay(cmd, opts, func(ctx context.Context, rel *app.Relay) error {
				events, err := rel.Replay.Fetch(ctx, q)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, events, func(w io.Writer) {
					for _, ev := range events {
						fmt.Fprintf(w, "%s %s %s %s\n", ev.OccurredAt, ev.EventType, ev.ID, ev.ActorID)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&q.TenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&q.BoardID, "board", "", "board id (required)")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound, clamped to the replay window")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "max events (0 = configured cap)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("board")
	return cmd
}
