package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	socialflow "github.com/socialflow/socialflow-go"
)

var (
	contactsListJSON bool
	directoryJSON    bool
)

func init() {
	rootCmd.AddCommand(contactsCmd)
	contactsCmd.AddCommand(contactsListCmd)
	contactsCmd.AddCommand(contactsAddCmd)
	contactsCmd.AddCommand(contactsPruneCmd)
	rootCmd.AddCommand(directoryCmd)

	contactsListCmd.Flags().BoolVar(&contactsListJSON, "json", false, "Output JSON")
	directoryCmd.Flags().BoolVar(&directoryJSON, "json", false, "Output JSON")
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage the local contact list",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		e, sess, err := openSession(ctx, socialflow.Listener{})
		if err != nil {
			return err
		}
		defer e.Close()

		contacts, err := sess.Contacts(ctx)
		if err != nil {
			return err
		}
		if contactsListJSON {
			type row struct {
				socialflow.Contact
				Unread int `json:"unread"`
			}
			out := make([]row, len(contacts))
			for i, c := range contacts {
				out[i] = row{Contact: c, Unread: sess.Unread(c.PeerID)}
			}
			return printJSON(out)
		}
		if len(contacts) == 0 {
			fmt.Println("No contacts. Add one with 'socialflow contacts add <user-id>'.")
			return nil
		}
		for _, c := range contacts {
			fmt.Printf("%-36s  %-24s  unread %d\n", c.PeerID, socialflow.DisplayName(c.PeerID, c.Username), sess.Unread(c.PeerID))
		}
		return nil
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Add a directory user to the contact list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		e, sess, err := openSession(ctx, socialflow.Listener{})
		if err != nil {
			return err
		}
		defer e.Close()

		c, err := sess.PickPeer(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Added %s\n", peerLabel(sess, c.PeerID))
		return nil
	},
}

var contactsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop contacts that left the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		ident := e.backend.CurrentIdentity()
		if ident == nil {
			return socialflow.NewError("prune contacts", socialflow.ErrUnauthenticated, nil)
		}
		prefs, err := socialflow.NewPreferenceStore(e.storage, e.cfg.Default.NamespacePrefix, ident.ID, e.logger)
		if err != nil {
			return err
		}
		before, err := prefs.Contacts(ctx)
		if err != nil {
			return err
		}

		// Init loads the directory and reconciles contacts against it.
		sess, err := e.startSession(ctx, socialflow.Listener{})
		if err != nil {
			return err
		}
		if err := sess.PruneContacts(ctx); err != nil {
			return err
		}
		after, err := sess.Contacts(ctx)
		if err != nil {
			return err
		}
		kept := make(map[string]bool, len(after))
		for _, c := range after {
			kept[c.PeerID] = true
		}
		for _, c := range before {
			if c.PeerID != ident.ID && !kept[c.PeerID] {
				fmt.Printf("Removed %s\n", socialflow.DisplayName(c.PeerID, c.Username))
			}
		}
		fmt.Printf("%d contacts remain\n", len(after))
		return nil
	},
}

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "List every user in the remote directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		e, sess, err := openSession(ctx, socialflow.Listener{})
		if err != nil {
			return err
		}
		defer e.Close()

		entries := sess.Directory()
		if directoryJSON {
			return printJSON(entries)
		}
		self := sess.Identity().ID
		for _, d := range entries {
			marker := " "
			if d.ID == self {
				marker = "*"
			}
			fmt.Printf("%s %-36s  %s\n", marker, d.ID, socialflow.DisplayName(d.ID, d.Username))
		}
		return nil
	},
}
