/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beacon/pkg/config"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var (
	daemonAddr string
	pushID     string
	shownFlag  bool
)

var pushCmd = &cobra.Command{
	Use:   "push <kind> [key=value...]",
	Short: "Deliver a push message to the running daemon",
	Long:  "Builds a push delivery from the kind and key=value data fields and posts it to the daemon, as the push platform would.",
	Example: `  beacon push chat id=m1 senderName=Bob message="see you at 6"
  beacon push incoming_call callerId=u1 callerName=Alice channelName=c1 callType=audio`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := parseFields(args[1:])
		if err != nil {
			fmt.Printf("invalid data: %v\n", err)
			return
		}
		data["type"] = strings.TrimSpace(args[0])

		body := map[string]any{"id": strings.TrimSpace(pushID), "data": data}
		if shownFlag {
			body["notification"] = map[string]string{"title": data["title"], "body": data["body"]}
		}
		runClient(cmd.Context(), http.MethodPost, "/v1/push", body)
	},
}

var sayCmd = &cobra.Command{
	Use:   "say [text]",
	Short: "Ask the daemon to read text aloud",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			fmt.Println("nothing to say")
			return
		}
		data := map[string]string{"type": "speak_message", "text": text}
		runClient(cmd.Context(), http.MethodPost, "/v1/push", map[string]any{"data": data})
	},
}

var callCmd = &cobra.Command{
	Use:       "call <accept|reject|open|cancel>",
	Short:     "Act on the ringing call",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"accept", "reject", "open", "cancel"},
	Run: func(cmd *cobra.Command, args []string) {
		runClient(cmd.Context(), http.MethodPost, "/v1/calls/"+strings.ToLower(strings.TrimSpace(args[0])), struct{}{})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connection and call state",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args
		runClient(cmd.Context(), http.MethodGet, "/v1/status", nil)
	},
}

var signInCmd = &cobra.Command{
	Use:   "signin <profile-id> [auth-token]",
	Short: "Store the identity the realtime link connects as",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]string{"profileId": args[0]}
		if len(args) > 1 {
			body["authToken"] = args[1]
		}
		runClient(cmd.Context(), http.MethodPut, "/v1/session", body)
	},
}

var signOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Forget the stored identity and drop the realtime link",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args
		runClient(cmd.Context(), http.MethodDelete, "/v1/session", nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon address (defaults to gateway.host:gateway.port)")
	pushCmd.Flags().StringVar(&pushID, "id", "", "message id used for duplicate suppression")
	pushCmd.Flags().BoolVar(&shownFlag, "shown", false, "mark the message as already displayed by the platform")

	rootCmd.AddCommand(pushCmd, sayCmd, callCmd, statusCmd, signInCmd, signOutCmd)
}

// parseFields turns key=value arguments into a data map.
func parseFields(args []string) (map[string]string, error) {
	fields := make(map[string]string, len(args)+1)
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		fields[key] = value
	}
	return fields, nil
}

// resolveDaemonURL prefers --addr, then the configured gateway bind address.
func resolveDaemonURL(addr string, cfg *config.Config) string {
	addr = strings.TrimSpace(addr)
	if addr == "" && cfg != nil {
		host := strings.TrimSpace(cfg.Gateway.Host)
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func runClient(ctx context.Context, method, path string, body any) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	client := resty.New().SetTimeout(10 * time.Second)
	out, err := callDaemon(ctx, client, resolveDaemonURL(daemonAddr, cfg)+path, method, body)
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	if out != "" {
		fmt.Println(out)
	}
}

// daemonError is the body the daemon sends with non-2xx responses.
type daemonError struct {
	Error string `json:"error"`
}

// callDaemon sends body as JSON and returns the indented response body.
// Non-2xx responses come back as errors carrying the daemon's message.
func callDaemon(ctx context.Context, client *resty.Client, url, method string, body any) (string, error) {
	req := client.R().SetContext(ctx).SetError(&daemonError{})
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return "", fmt.Errorf("reach daemon: %w", err)
	}
	if !resp.IsSuccess() {
		return "", daemonFailure(resp)
	}

	raw := resp.Body()
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return pretty.String(), nil
}

func daemonFailure(resp *resty.Response) error {
	failure, _ := resp.Error().(*daemonError)
	if failure == nil || failure.Error == "" {
		failure = &daemonError{}
		_ = json.Unmarshal(resp.Body(), failure)
	}
	if failure.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status(), failure.Error)
	}
	return errors.New(resp.Status())
}
