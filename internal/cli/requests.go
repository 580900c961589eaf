package cli

import (
	"github.com/spf13/cobra"

	"concierge/internal/app"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <request-id>",
	Short: "Continue a request from its persisted state",
	Long: `Continue a request from its persisted state. Calls that already have a call id
are awaited rather than placed again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			if err := a.Orchestrator.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			sr, err := a.Requests.GetRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s %s\n", sr.ID, sr.Status)
			return nil
		})
	},
}

var retryProviderCmd = &cobra.Command{
	Use:   "retry-provider <request-id> <provider-id>",
	Short: "Re-dial one provider whose call ended",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			p, err := a.Orchestrator.RetryProvider(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s %s queued\n", p.ID, p.Name)
			return nil
		})
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify <request-id>",
	Short: "Send the user notification if it has not been sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			outcome, err := a.Notifier.Notify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s %s\n", args[0], outcome)
			return nil
		})
	},
}
