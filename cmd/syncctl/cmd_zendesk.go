package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aseriousbiz/abbot-web-sub006/internal/config"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/internal/zendesk"
)

var zendeskCmd = &cobra.Command{
	Use:   "zendesk",
	Short: "Zendesk integration commands",
}

var zendeskInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Register the ticket webhook and trigger for an organization",
	Long: `Creates the webhook and the trigger that notify this service of ticket
updates, then stores the webhook signing secret on the organization's
Zendesk integration.`,
	RunE: runZendeskInstall,
}

func init() {
	zendeskCmd.AddCommand(zendeskInstallCmd)

	zendeskInstallCmd.Flags().String("org", "", "Organization id")
	zendeskInstallCmd.Flags().String("name", "Abbot conversation sync", "Webhook and trigger name")
	_ = zendeskInstallCmd.MarkFlagRequired("org")
}

func runZendeskInstall(cmd *cobra.Command, _ []string) error {
	organizationID, _ := cmd.Flags().GetString("org")
	name, _ := cmd.Flags().GetString("name")

	cfg := config.Load()
	pg, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer pg.DB().Close()

	clients := &zendesk.RestClientFactory{UserAgent: cfg.ProductUserAgent}
	return installZendesk(cmd.Context(), pg, clients, organizationID, name, cfg.PublicBaseURL, cmd.OutOrStdout())
}

// WebhookEndpoint is the per-organization URL Zendesk delivers to.
func WebhookEndpoint(publicBaseURL, organizationID string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/webhooks/zendesk/" + organizationID
}

func installZendesk(ctx context.Context, st store.Store, clients zendesk.ClientFactory, organizationID, name, publicBaseURL string, out io.Writer) error {
	integration, err := st.GetIntegration(ctx, organizationID, model.IntegrationZendesk)
	if err != nil {
		return fmt.Errorf("failed to load zendesk integration: %w", err)
	}
	settings, err := integration.ZendeskSettings()
	if err != nil {
		return err
	}
	client, err := clients.NewClient(settings)
	if err != nil {
		return err
	}

	webhook, trigger, err := zendesk.Install(ctx, client, name, WebhookEndpoint(publicBaseURL, organizationID))
	if err != nil {
		return err
	}
	secret, err := client.GetWebhookSigningSecret(ctx, webhook.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch webhook signing secret: %w", err)
	}

	settings.WebhookSigningSecret = secret
	if err := integration.SetZendeskSettings(settings); err != nil {
		return err
	}
	if err := st.SaveIntegration(ctx, integration); err != nil {
		return fmt.Errorf("failed to save zendesk integration: %w", err)
	}

	fmt.Fprintf(out, "webhook %s -> %s\n", webhook.ID, webhook.Endpoint)
	if trigger != nil {
		fmt.Fprintf(out, "trigger %d %q\n", trigger.ID, trigger.Title)
	}
	return nil
}
