package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	socialflow "github.com/socialflow/socialflow-go"
)

var (
	watchFeed    bool
	watchPeer    string
	watchProfile string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchFeed, "feed", false, "Also follow the feed with likes and comments")
	watchCmd.Flags().StringVar(&watchPeer, "peer", "", "Open the conversation with this peer")
	watchCmd.Flags().StringVar(&watchProfile, "profile", "", "Follow this user's profile")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live changes until interrupted",
	Long:  "Start a session and print unread, contact, conversation and feed changes as they arrive. Stop with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var current atomic.Pointer[socialflow.Session]
		label := func(id string) string {
			if s := current.Load(); s != nil {
				return peerLabel(s, id)
			}
			return id
		}
		l := socialflow.Listener{
			UnreadChanged: func(peer string, n int) {
				fmt.Printf("[unread]   %s: %d\n", label(peer), n)
			},
			ContactsChanged: func(list []socialflow.Contact) {
				fmt.Printf("[contacts] %d contacts\n", len(list))
			},
			ConversationReset: func() {
				fmt.Println("[chat]     conversation closed: peer left the directory")
			},
			ActivityFlagged: func(peer string) {
				fmt.Printf("[activity] new message from %s\n", label(peer))
			},
			MessagesChanged: func(peer string, msgs []socialflow.Message) {
				fmt.Printf("[chat]     %s: %d messages\n", label(peer), len(msgs))
				if n := len(msgs); n > 0 {
					last := msgs[n-1]
					fmt.Printf("           %s %s: %s\n", last.Created.Format("15:04:05"), label(last.Sender), last.Text)
				}
			},
			FeedChanged: func(posts []socialflow.Post) {
				fmt.Printf("[feed]     %d posts\n", len(posts))
			},
			LikesChanged: func(post string, likes []socialflow.Like) {
				fmt.Printf("[likes]    %s: %d\n", post, len(likes))
			},
			CommentsChanged: func(post string, comments []socialflow.Comment, total int) {
				fmt.Printf("[comments] %s: showing %d of %d\n", post, len(comments), total)
			},
			ProfileChanged: func(entry socialflow.DirectoryEntry, posts []socialflow.Post) {
				fmt.Printf("[profile]  %s: %d posts\n", socialflow.DisplayName(entry.ID, entry.Username), len(posts))
			},
		}

		e, sess, err := openSession(ctx, l)
		if err != nil {
			return err
		}
		defer e.Close()
		current.Store(sess)

		if watchFeed {
			if err := sess.WatchFeed(ctx); err != nil {
				return fmt.Errorf("watch feed: %w", err)
			}
		}
		if watchPeer != "" {
			if err := sess.OpenConversation(ctx, watchPeer); err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}
		}
		if watchProfile != "" {
			if err := sess.WatchProfile(ctx, watchProfile); err != nil {
				return fmt.Errorf("watch profile: %w", err)
			}
		}

		fmt.Printf("Watching as %s with %d subscriptions. Press Ctrl-C to stop.\n",
			label(sess.Identity().ID), len(sess.HandleKeys()))
		<-ctx.Done()
		fmt.Println()
		return nil
	},
}
