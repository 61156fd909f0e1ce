package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"toolproxy/internal/logging"
	"toolproxy/internal/proxy"

	"github.com/spf13/cobra"
)

func NewCallCmd() *cobra.Command {
	var argsJSON string
	var endpoint string
	var apiKey string
	var maxWait time.Duration
	var pollInterval time.Duration

	c := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a tool once and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())
			cfg, err := loadConfig(GetConfigFileFlag())
			if err != nil {
				return err
			}

			var arguments map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
					return fmt.Errorf("--args: %w", err)
				}
			}

			opts := proxyOptions(cfg, logger, nil, nil, nil)
			// Nothing listens for callbacks in a one-shot run.
			opts.CallbackBaseURL = ""
			p := proxy.New(opts)
			defer p.Close()

			res := p.Call(cmd.Context(), proxy.CallRequest{
				ToolName:     args[0],
				Arguments:    arguments,
				EndpointURL:  endpoint,
				APIKey:       apiKey,
				MaxWait:      maxWait,
				PollInterval: pollInterval,
			})
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%s: %s", res.Status, res.Error)
			}
			return nil
		},
	}
	c.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	c.Flags().StringVar(&endpoint, "endpoint", "", "push-stream endpoint URL (default: proxy.endpoint_url)")
	c.Flags().StringVar(&apiKey, "api-key", "", "bearer token for the remote (default: proxy.api_key)")
	c.Flags().DurationVar(&maxWait, "max-wait", 0, "result wait budget (default: proxy.max_wait)")
	c.Flags().DurationVar(&pollInterval, "poll-interval", 0, "initial poll interval (default: proxy.poll_interval)")
	return c
}
