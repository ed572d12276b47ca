package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tokligence/chatstream-gateway/internal/auth"
	"github.com/tokligence/chatstream-gateway/internal/config"
	"github.com/tokligence/chatstream-gateway/internal/consumer"
)

type globalOptions struct {
	cfg     config.GatewayConfig
	url     string
	token   string
	caller  string
	verbose bool
}

// bearer returns the explicit token or issues one with the local secret.
func (o *globalOptions) bearer() (string, error) {
	if o.token != "" {
		return o.token, nil
	}
	mgr, err := auth.NewManager(o.cfg.AuthSecret, o.cfg.AuthTokenTTL)
	if err != nil {
		return "", err
	}
	return mgr.IssueToken(o.caller, o.caller, o.cfg.AuthTokenTTL)
}

func (o *globalOptions) client() (*consumer.Client, error) {
	token, err := o.bearer()
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return consumer.New(consumer.Config{BaseURL: o.url, Token: token, Logger: logger}), nil
}

func tokenCommand(opts *globalOptions) *cobra.Command {
	var ttl time.Duration
	var name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a caller token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := auth.NewManager(opts.cfg.AuthSecret, opts.cfg.AuthTokenTTL)
			if err != nil {
				return err
			}
			if name == "" {
				name = opts.caller
			}
			token, err := mgr.IssueToken(opts.caller, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&name, "name", "", "display name (default: caller id)")
	return cmd
}

func chatCommand(opts *globalOptions) *cobra.Command {
	var req consumer.Request
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message and stream the reply; Ctrl-C cancels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			req.Message = strings.Join(args, " ")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			go func() {
				<-ctx.Done()
				cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Cancel(cancelCtx)
			}()

			out := cmd.OutOrStdout()
			printed := 0
			result, err := client.Send(ctx, req, consumer.HandlerFuncs{
				Start: func(id string) {
					if opts.verbose {
						fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", id)
					}
				},
				Update: func(text string) {
					fmt.Fprint(out, text[printed:])
					printed = len(text)
				},
				RateLimited: func(d time.Duration) {
					fmt.Fprintf(cmd.ErrOrStderr(), "rate limited, retry in %s\n", d)
				},
			})
			if err != nil {
				if errors.Is(err, consumer.ErrCancelled) {
					fmt.Fprintln(out, "\n[cancelled]")
					return nil
				}
				return err
			}
			if len(result.Content) > printed {
				fmt.Fprint(out, result.Content[printed:])
			}
			fmt.Fprintln(out)
			fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", result.ConversationID)
			if opts.verbose && result.Usage != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "tokens in=%d out=%d\n", result.Usage.InputTokens, result.Usage.OutputTokens)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&req.Model, "model", "", "model override")
	cmd.Flags().IntVar(&req.MaxTokens, "max-tokens", 0, "maximum reply tokens")
	cmd.Flags().StringVar(&req.SystemPrompt, "system", "", "system prompt")
	return cmd
}

func cancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel an in-flight session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.CancelSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func sessionsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show the number of active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			n, err := client.ActiveSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active sessions: %d\n", n)
			return nil
		},
	}
}

func usageCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show token usage for the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			summary, err := client.Usage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requests: %d\ninput tokens: %d\noutput tokens: %d\n",
				summary.Requests, summary.InputTokens, summary.OutputTokens)
			return nil
		},
	}
}
