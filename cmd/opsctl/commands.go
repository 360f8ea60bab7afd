package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/chat-agent/internal/http/middleware"
)

// sendRequest mirrors the admin outbound send body.
type sendRequest struct {
	Recipient      string `json:"recipient"`
	Text           string `json:"text"`
	Method         string `json:"method,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Proactive      *bool  `json:"proactive,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CampaignID     string `json:"campaign_id,omitempty"`
	BypassReason   string `json:"bypass_reason,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if adminSecret == "" {
			return errors.New("--secret or ADMIN_JWT_SECRET is required")
		}
		token, err := middleware.IssueAdminToken(adminSecret, subject, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through the outbound guardrail",
	Long: `Send an operator message to a recipient.

The send goes through the same guardrail, dedup and rate limits as agent
replies. --bypass-reason skips the guardrail and is recorded in the audit
trail.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		req := sendRequest{}
		req.Recipient, _ = flags.GetString("recipient")
		req.Text, _ = flags.GetString("text")
		req.Method, _ = flags.GetString("method")
		req.Channel, _ = flags.GetString("channel")
		req.ConversationID, _ = flags.GetString("conversation-id")
		req.CampaignID, _ = flags.GetString("campaign-id")
		req.BypassReason, _ = flags.GetString("bypass-reason")
		req.Mode, _ = flags.GetString("mode")
		if flags.Changed("reactive") {
			reactive, _ := flags.GetBool("reactive")
			proactive := !reactive
			req.Proactive = &proactive
		}
		if req.Recipient == "" || req.Text == "" {
			return errors.New("--recipient and --text are required")
		}

		return withClient(cmd, func(ctx context.Context, c *adminClient) ([]byte, error) {
			return c.send(ctx, req)
		})
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Inspect or override a conversation's mode",
}

var modeGetCmd = &cobra.Command{
	Use:   "get <conversation-id>",
	Short: "Show the current mode and any pending transition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminClient) ([]byte, error) {
			return c.getMode(ctx, args[0])
		})
	},
}

var modeSetCmd = &cobra.Command{
	Use:   "set <conversation-id> <mode>",
	Short: "Force a conversation into a mode",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withClient(cmd, func(ctx context.Context, c *adminClient) ([]byte, error) {
			return c.setMode(ctx, args[0], args[1], reason)
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List decision records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		query := url.Values{}
		for _, name := range []string{"conversation-id", "recipient", "kind", "outcome"} {
			if v, _ := flags.GetString(name); v != "" {
				query.Set(queryName(name), v)
			}
		}
		if limit, _ := flags.GetInt("limit"); limit > 0 {
			query.Set("limit", strconv.Itoa(limit))
		}
		if since, _ := flags.GetDuration("since"); since > 0 {
			query.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
		}
		return withClient(cmd, func(ctx context.Context, c *adminClient) ([]byte, error) {
			return c.audit(ctx, query)
		})
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show background task failure counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminClient) ([]byte, error) {
			return c.tasks(ctx)
		})
	},
}

func init() {
	tokenCmd.Flags().String("subject", "opsctl", "operator name recorded on sends")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")

	sendCmd.Flags().String("recipient", "", "recipient address")
	sendCmd.Flags().String("text", "", "message body")
	sendCmd.Flags().String("method", "", "send method (default manual)")
	sendCmd.Flags().String("channel", "", "delivery channel")
	sendCmd.Flags().Bool("reactive", false, "mark the send as a reply instead of proactive outreach")
	sendCmd.Flags().String("conversation-id", "", "conversation the send belongs to")
	sendCmd.Flags().String("campaign-id", "", "campaign the send counts against")
	sendCmd.Flags().String("bypass-reason", "", "skip the guardrail, recording this reason")
	sendCmd.Flags().String("mode", "", "mode recorded on the send")

	modeSetCmd.Flags().String("reason", "", "reason recorded with the override")
	modeCmd.AddCommand(modeGetCmd, modeSetCmd)

	auditCmd.Flags().String("conversation-id", "", "filter by conversation")
	auditCmd.Flags().String("recipient", "", "filter by recipient")
	auditCmd.Flags().String("kind", "", "filter by record kind")
	auditCmd.Flags().String("outcome", "", "filter by outcome")
	auditCmd.Flags().Int("limit", 0, "maximum records (server default 50)")
	auditCmd.Flags().Duration("since", 0, "only records newer than this age")
}

// withClient runs call against the admin API and prints the answer. Error
// answers are printed too since they carry the blocking decision.
func withClient(cmd *cobra.Command, call func(context.Context, *adminClient) ([]byte, error)) error {
	client, err := newAdminClient(apiURL, adminToken, adminSecret, timeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	data, err := call(ctx, client)
	if len(data) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(data))
	}
	return err
}

func queryName(flag string) string {
	if flag == "conversation-id" {
		return "conversation_id"
	}
	return flag
}
