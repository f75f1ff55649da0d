package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"beacon/pkg/config"
	"beacon/pkg/ui/watch"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live dashboard of the running daemon",
	Long:  "Polls the daemon status and shows the supervisor, the realtime link and the ringing call, with keys to answer or reject.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}
		baseURL := resolveDaemonURL(daemonAddr, cfg)
		client := resty.New().SetTimeout(5 * time.Second)

		fetch := func(ctx context.Context) (watch.Snapshot, error) {
			return fetchSnapshot(ctx, client, baseURL)
		}
		act := func(ctx context.Context, action string) error {
			_, err := callDaemon(ctx, client, baseURL+"/v1/calls/"+action, http.MethodPost, struct{}{})
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := watch.Run(ctx, fetch, act, watchInterval); err != nil {
			fmt.Printf("watch failed: %v\n", err)
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "status poll interval")
	rootCmd.AddCommand(watchCmd)
}

func fetchSnapshot(ctx context.Context, client *resty.Client, baseURL string) (watch.Snapshot, error) {
	var snap watch.Snapshot
	resp, err := client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&snap).
		SetError(&daemonError{}).
		Get(baseURL + "/v1/status")
	if err != nil {
		return snap, fmt.Errorf("fetch status: %w", err)
	}
	if !resp.IsSuccess() {
		return snap, daemonFailure(resp)
	}
	return snap, nil
}
