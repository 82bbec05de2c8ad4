package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aseriousbiz/abbot-web-sub006/internal/config"
	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	natsclient "github.com/aseriousbiz/abbot-web-sub006/internal/nats"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/internal/zendesk"
)

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Schedule an import of a ticket's new comments and status",
	RunE:  runResync,
}

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or move a conversation's comment marker",
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the comment marker and ticket status of a conversation",
	RunE:  runCursorShow,
}

var cursorSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the index of the last imported comment",
	RunE:  runCursorSet,
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the marker so the next import starts from the first comment",
	RunE:  runCursorReset,
}

func init() {
	cursorCmd.AddCommand(cursorShowCmd)
	cursorCmd.AddCommand(cursorSetCmd)
	cursorCmd.AddCommand(cursorResetCmd)

	resyncCmd.Flags().String("org", "", "Organization id")
	resyncCmd.Flags().String("ticket", "", "Ticket URL, agent or API form")
	_ = resyncCmd.MarkFlagRequired("org")
	_ = resyncCmd.MarkFlagRequired("ticket")

	for _, c := range []*cobra.Command{cursorShowCmd, cursorSetCmd, cursorResetCmd} {
		c.Flags().String("conversation", "", "Conversation id")
		_ = c.MarkFlagRequired("conversation")
	}
	cursorSetCmd.Flags().Int("marker", -1, "Zero-based index of the last processed comment")
}

func runResync(cmd *cobra.Command, _ []string) error {
	organizationID, _ := cmd.Flags().GetString("org")
	ticketURL, _ := cmd.Flags().GetString("ticket")
	ctx := cmd.Context()

	cfg := config.Load()
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	nc, err := natsclient.Connect(ctx, natsclient.ConfigFrom(cfg, "syncctl"), log)
	if err != nil {
		return err
	}
	defer nc.Close()

	queue := natsclient.NewJobQueue(nc, natsclient.JobQueueConfig{MaxDeliver: cfg.SyncMaxDeliver, RetryDelay: cfg.SyncRetryDelay}, log)
	if _, err := queue.EnsureStream(ctx); err != nil {
		return err
	}

	job, err := scheduleResync(ctx, queue, organizationID, ticketURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scheduled import job %s\n", job.ID)
	return nil
}

// scheduleResync enqueues the same job a webhook delivery would, with no
// reported status so the importer fetches it.
func scheduleResync(ctx context.Context, enqueuer jobs.Enqueuer, organizationID, ticketURL string) (*jobs.Job, error) {
	payload := zendesk.WebhookPayload{TicketURL: ticketURL}
	req, err := payload.ImportRequest(organizationID)
	if err != nil {
		return nil, err
	}
	job, err := jobs.New(jobs.KindImportTicketComments, req)
	if err != nil {
		return nil, err
	}
	if err := enqueuer.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue import: %w", err)
	}
	return job, nil
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store, conversationID string) error) error {
	conversationID, _ := cmd.Flags().GetString("conversation")
	pg, err := openStore(cmd.Context(), config.Load())
	if err != nil {
		return err
	}
	defer pg.DB().Close()
	return fn(cmd.Context(), pg, conversationID)
}

func runCursorShow(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, st store.Store, conversationID string) error {
		return showCursor(ctx, st, conversationID, cmd.OutOrStdout())
	})
}

func runCursorSet(cmd *cobra.Command, _ []string) error {
	marker, _ := cmd.Flags().GetInt("marker")
	return withStore(cmd, func(ctx context.Context, st store.Store, conversationID string) error {
		return setCursor(ctx, st, conversationID, marker)
	})
}

func runCursorReset(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, st store.Store, conversationID string) error {
		return setCursor(ctx, st, conversationID, -1)
	})
}

func showCursor(ctx context.Context, st store.Store, conversationID string, out io.Writer) error {
	conv, err := st.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	scope := model.ConversationScope(conv.ID)

	ticket := "(none)"
	if link, err := st.GetLink(ctx, conv.ID, model.LinkTypeZendeskTicket); err == nil {
		ticket = link.ExternalID
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	marker, err := store.GetSettingValue(ctx, st, scope, model.SettingCommentMarker)
	if err != nil {
		return err
	}
	if marker == "" {
		marker = "-1"
	}
	status, err := store.GetSettingValue(ctx, st, scope, model.SettingZendeskTicketStatus)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "conversation:  %s\n", conv.ID)
	fmt.Fprintf(out, "state:         %s\n", conv.State)
	fmt.Fprintf(out, "ticket:        %s\n", ticket)
	fmt.Fprintf(out, "ticket status: %s\n", status)
	fmt.Fprintf(out, "marker:        %s\n", marker)
	return nil
}

// setCursor moves the marker. -1 removes it.
func setCursor(ctx context.Context, st store.Store, conversationID string, marker int) error {
	if marker < -1 {
		return fmt.Errorf("invalid marker %d", marker)
	}
	if _, err := st.GetConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	scope := model.ConversationScope(conversationID)
	if marker == -1 {
		err := st.RemoveSetting(ctx, scope, model.SettingCommentMarker)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return st.SetSetting(ctx, &model.Setting{
		Scope:     scope,
		Name:      model.SettingCommentMarker,
		Value:     strconv.Itoa(marker),
		UpdatedAt: time.Now().UTC(),
	})
}
