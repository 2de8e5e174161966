package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrel-mail/petrel/internal/credential"
	"github.com/petrel-mail/petrel/internal/thread"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync accounts into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			names := []string{accountFlag}
			if accountFlag == "" {
				names = names[:0]
				for _, acct := range a.cfg.Accounts {
					names = append(names, acct.Name)
				}
				if len(names) == 0 {
					return fmt.Errorf("no accounts configured")
				}
			}

			var statuses []jsonAccountStatus
			for _, name := range names {
				c, err := a.start(name)
				if err != nil {
					return err
				}
				statuses = append(statuses, jsonAccountStatus{
					Account: name,
					Status:  c.Status().String(),
				})
			}

			if jsonFlag {
				return printJSON(statuses)
			}
			for _, s := range statuses {
				fmt.Printf("%s\t%s\n", s.Account, s.Status)
			}
			return nil
		},
	}
}

func newMailboxesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mailboxes",
		Short: "List the account's mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.start(accountFlag)
			if err != nil {
				return err
			}
			boxes, err := c.Mailboxes(cmd.Context())
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONMailboxes(boxes))
			}
			for _, m := range boxes {
				fmt.Printf("%s\t%d total, %d unseen\n", m.Name, m.Total, m.Unseen)
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var flat bool

	cmd := &cobra.Command{
		Use:   "list <mailbox>",
		Short: "List a mailbox's conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.start(accountFlag)
			if err != nil {
				return err
			}
			mailbox := args[0]

			if flat {
				envelopes, err := c.Envelopes(cmd.Context(), mailbox)
				if err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(toJSONEnvelopes(envelopes))
				}
				for i := range envelopes {
					printEnvelopeLine(0, &envelopes[i])
				}
				return nil
			}

			roots := c.Threads(mailbox)
			if jsonFlag {
				return printJSON(toJSONThreads(roots))
			}
			for _, root := range roots {
				root.Walk(func(depth int, node *thread.ThreadNode) {
					for i := range node.Envelopes {
						printEnvelopeLine(depth, &node.Envelopes[i])
					}
					if len(node.Envelopes) == 0 {
						fmt.Printf("%s(%s)\n", strings.Repeat("  ", depth), node.Key)
					}
				})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flat, "flat", false, "list envelopes without threading")
	return cmd
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.start(accountFlag)
			if err != nil {
				return err
			}

			h := c.Search(strings.Join(args, " "))
			result, err := h.Wait(cmd.Context())
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			uids := result.([]string)

			if jsonFlag {
				return printJSON(map[string]any{"uids": uids})
			}
			for _, uid := range uids {
				fmt.Println(uid)
			}
			return nil
		},
	}
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <mailbox> <uid>",
		Short: "Print a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.start(accountFlag)
			if err != nil {
				return err
			}
			mailbox, uid := args[0], args[1]

			envelopes, err := c.Envelopes(cmd.Context(), mailbox)
			if err != nil {
				return err
			}
			var locator string
			for i := range envelopes {
				if envelopes[i].UID == uid {
					locator = envelopes[i].BodyLocator
					break
				}
			}
			if locator == "" {
				return fmt.Errorf("no message %s in %s", uid, mailbox)
			}

			result, err := c.FetchBody(locator).Wait(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to fetch body: %w", err)
			}
			os.Stdout.Write(result.([]byte))

			// Reading implies marking seen, mirroring what a reader UI
			// would do.
			if h := c.MarkSeen(mailbox, []string{uid}); h != nil {
				h.Wait(cmd.Context())
			}
			return nil
		},
	}
}

func newMarkReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read <mailbox> <uid>...",
		Short: "Mark messages as read",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.start(accountFlag)
			if err != nil {
				return err
			}

			h := c.MarkSeen(args[0], args[1:])
			if _, err := h.Wait(cmd.Context()); err != nil {
				return fmt.Errorf("failed to mark read: %w", err)
			}
			if jsonFlag {
				return printJSON(map[string]any{"ok": true, "marked": len(args) - 1})
			}
			fmt.Printf("marked %d message(s) read\n", len(args)-1)
			return nil
		},
	}
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage account secrets in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <account>",
		Short: "Store an account's password or token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(os.Stderr, "secret for %s: ", args[0])
			reader := bufio.NewReader(os.Stdin)
			secret, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			secret = strings.TrimRight(secret, "\r\n")
			if secret == "" {
				return fmt.Errorf("empty secret")
			}
			return credential.NewStore().Save(args[0], secret)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <account>",
		Short: "Remove an account's stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return credential.NewStore().Delete(args[0])
		},
	})
	return cmd
}
