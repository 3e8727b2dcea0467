package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	socialflow "github.com/socialflow/socialflow-go"
)

var (
	unreadJSON bool
	unreadAll  bool
	sendJSON   bool
)

func init() {
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(sendCmd)

	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "Output JSON")
	unreadCmd.Flags().BoolVarP(&unreadAll, "all", "a", false, "Include contacts with nothing unread")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the stored message as JSON")
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per contact",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		e, sess, err := openSession(ctx, socialflow.Listener{})
		if err != nil {
			return err
		}
		defer e.Close()

		counts := sess.UnreadCounts()
		if unreadJSON {
			return printJSON(counts)
		}
		peers := make([]string, 0, len(counts))
		for p, n := range counts {
			if n > 0 || unreadAll {
				peers = append(peers, p)
			}
		}
		if len(peers) == 0 {
			fmt.Println("Nothing unread.")
			return nil
		}
		sort.Slice(peers, func(i, j int) bool {
			if counts[peers[i]] != counts[peers[j]] {
				return counts[peers[i]] > counts[peers[j]]
			}
			return peers[i] < peers[j]
		})
		for _, p := range peers {
			fmt.Printf("%4d  %s\n", counts[p], peerLabel(sess, p))
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <peer-id>",
	Short: "Mark the conversation with a peer as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		e, sess, err := openSession(ctx, socialflow.Listener{})
		if err != nil {
			return err
		}
		defer e.Close()

		before := sess.Unread(args[0])
		if err := sess.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s read (%d cleared)\n", peerLabel(sess, args[0]), before)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text...>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		e, sess, err := openSession(ctx, socialflow.Listener{})
		if err != nil {
			return err
		}
		defer e.Close()

		peer, text := args[0], strings.Join(args[1:], " ")
		if _, err := sess.PickPeer(ctx, peer); err != nil {
			return err
		}
		msg, err := sess.SendMessageTo(ctx, peer, text)
		if err != nil {
			if socialflow.IsPermission(err) {
				return fmt.Errorf("not allowed to message %s: %w", peer, err)
			}
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent to %s at %s\n", peerLabel(sess, peer), msg.Created.Format("2006-01-02 15:04:05"))
		return nil
	},
}
