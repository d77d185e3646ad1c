package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/imapops"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

func newAccountsCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts without their credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.manager.Close()

			summaries := a.registry.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"accounts": summaries})
			}
			return printAccounts(cmd.OutOrStdout(), summaries)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print accounts as JSON")
	return cmd
}

func printAccounts(w io.Writer, summaries []mailer.AccountSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tIMAP\tSMTP\tFOLDER")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.EmailAddress, endpoint(s.IMAP), endpoint(s.SMTP), s.DefaultFolder)
	}
	return tw.Flush()
}

func endpoint(e *mailer.EndpointSummary) string {
	if e == nil {
		return "-"
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func newCheckCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check [account...]",
		Short: "Log in to the IMAP and SMTP servers of accounts and report the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.manager.Close()

			if len(args) == 0 {
				for _, s := range a.registry.List() {
					args = append(args, s.Name)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			failed := 0
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tIMAP\tSMTP")
			for _, name := range args {
				imapRes, smtpRes := checkAccount(ctx, a.manager, a.registry.Resolve, name)
				if imapRes.failed || smtpRes.failed {
					failed++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, imapRes, smtpRes)
			}
			if err = tw.Flush(); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d accounts failed the check", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall time allowed for the check")
	return cmd
}

type checkResult struct {
	text   string
	failed bool
}

func (r checkResult) String() string { return r.text }

func outcome(err error, detail string) checkResult {
	if err != nil {
		return checkResult{text: fmt.Sprintf("%s: %s", mailer.KindOf(err), mailer.AsError(err).Detail), failed: true}
	}
	return checkResult{text: detail}
}

func checkAccount(
	ctx context.Context,
	m *connmgr.Manager,
	resolve func(string) (mailer.Account, error),
	name string,
) (imapRes, smtpRes checkResult) {
	acct, err := resolve(name)
	if err != nil {
		res := outcome(err, "")
		return res, res
	}

	imapRes = checkResult{text: "-"}
	if acct.CanReceive() {
		var folders []mailer.Folder
		err = m.WithIMAP(ctx, acct, func(sess *connmgr.IMAPSession) error {
			list, listErr := imapops.ListFolders(ctx, sess)
			folders = list
			return listErr
		})
		imapRes = outcome(err, fmt.Sprintf("ok, %d folders", len(folders)))
	}

	smtpRes = checkResult{text: "-"}
	if acct.SMTP.Complete() {
		err = m.WithSMTP(ctx, acct, func(*connmgr.SMTPSession) error { return nil })
		smtpRes = outcome(err, "ok")
	}
	return imapRes, smtpRes
}
