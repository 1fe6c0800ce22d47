package main

import (
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/notifysvc"
)

func notifyCmd(cfgPath *string) *cobra.Command {
	var (
		req     notifysvc.Request
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Dispatch a notification and print the per-channel report",
		Long: `Dispatch a notification through the notifications service.

Examples:
  switchboard notify --email ana@example.com --phone +628123456 \
    --subject "Invoice due" --message "Please pay invoice 7" --channels email,bot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// An empty destination resolves to notifier.destination.
			return doCall(cmd.Context(), *cfgPath, "", req, timeout)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RecipientEmail, "email", "", "recipient email")
	f.StringVar(&req.RecipientPhone, "phone", "", "recipient phone (E.164)")
	f.StringVar(&req.Subject, "subject", "", "subject")
	f.StringVarP(&req.Message, "message", "m", "", "message body")
	f.StringSliceVar(&req.Channels, "channels", []string{"email"}, "channels to deliver on (email, sms, whatsapp, bot)")
	f.StringVar(&req.DocumentID, "document", "", "document id whose title prefixes the subject")
	f.DurationVarP(&timeout, "timeout", "t", 45*time.Second, "reply timeout")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
