package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailmove/internal/model"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage source and target accounts",
	}
	cmd.AddCommand(newAccountAddCmd(), newAccountListCmd(), newAccountRmCmd())
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	var (
		acct     model.Account
		provider string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account; its credentials live in the credential broker",
		Example: `  mailmove account add --provider GOOGLE --email ana@gmail.com
  mailmove account add --provider IMAP --email bob@example.org --host imap.example.org --username bob`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := controlService()
			if err != nil {
				return err
			}
			acct.Provider = model.Provider(strings.ToUpper(provider))
			created, err := svc.CreateAccount(cmd.Context(), &acct)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&provider, "provider", "", "GOOGLE, MICROSOFT or IMAP")
	f.StringVar(&acct.ID, "id", "", "account id as known to the credential broker (generated when empty)")
	f.StringVar(&acct.Email, "email", "", "mailbox address")
	f.StringVar(&acct.DisplayName, "name", "", "display name")
	f.StringVar(&acct.Host, "host", "", "IMAP host")
	f.IntVar(&acct.Port, "port", 0, "IMAP port (993 when empty)")
	f.StringVar(&acct.Username, "username", "", "IMAP login (the email when empty)")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := controlService()
			if err != nil {
				return err
			}
			accts, err := svc.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tEMAIL\tSTATUS")
			for _, a := range accts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Provider, a.Email, a.Status)
			}
			return w.Flush()
		},
	}
}

func newAccountRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <account-id>",
		Short: "Remove an account no unfinished job uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := controlService()
			if err != nil {
				return err
			}
			return svc.DeleteAccount(cmd.Context(), args[0])
		},
	}
}
