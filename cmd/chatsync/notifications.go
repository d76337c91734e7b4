package main

import (
	"context"
	"fmt"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

var (
	notificationsStatus   string
	notificationsPage     int
	notificationsPageSize int
	notificationsJSON     bool

	requestsJSON bool
)

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	Long:  "Show the unread counter and a notification list. --status unread|read shows the header window; without it a page of the full list is shown.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		s := newSession(cfg, cliLogger(cfg))
		n := s.Notifications()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		count, err := n.LoadUnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		var w chatsync.NotificationWindow
		switch notificationsStatus {
		case "unread":
			w, err = n.LoadHeader(ctx, chatsync.StatusUnread)
		case "read":
			w, err = n.LoadHeader(ctx, chatsync.StatusRead)
		case "", "all":
			w, err = n.LoadPage(ctx, notificationsPage, notificationsPageSize)
		default:
			return fmt.Errorf("unknown status %q (valid: unread, read, all)", notificationsStatus)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if notificationsJSON {
			return printJSON(map[string]any{"unread": count, "items": w.Items, "total": w.Total})
		}
		fmt.Printf("Unread: %d\n\n", count)
		if len(w.Items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, rec := range w.Items {
			from := valueOrDefault(rec.CreatedByName, rec.CreatedBy.String())
			fmt.Printf("%-8s %-7s %-16s %s  from %s\n", rec.ID, rec.Status, rec.Type, formatTime(rec.CreatedAt), from)
		}
		fmt.Printf("\nShowing %d of %d\n", len(w.Items), w.Total)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <notification-id>...",
	Short: "Mark notifications as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		s := newSession(cfg, cliLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		ids := make([]chatsync.ID, len(args))
		for i, a := range args {
			ids[i] = chatsync.ID(a)
		}
		if err := s.Notifications().MarkAsRead(ctx, ids); err != nil {
			return fmt.Errorf("mark as read failed: %w", err)
		}
		fmt.Printf("Marked %d notification(s) as read\n", len(ids))
		return nil
	},
}

// ============================================================================
// requests
// ============================================================================

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Friend request commands",
}

var requestsListCmd = &cobra.Command{
	Use:   "list [received|sent]",
	Short: "List pending friend requests",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := chatsync.RequestsReceived
		if len(args) == 1 {
			direction = chatsync.FriendRequestDirection(args[0])
		}
		if direction != chatsync.RequestsReceived && direction != chatsync.RequestsSent {
			return fmt.Errorf("unknown direction %q (valid: received, sent)", direction)
		}

		cfg := mustConfig()
		s := newSession(cfg, cliLogger(cfg))
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		reqs, err := s.Friends().LoadRequests(ctx, direction)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if requestsJSON {
			return printJSON(reqs)
		}
		if len(reqs) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}
		for _, r := range reqs {
			peer := valueOrDefault(r.SenderName, r.SenderID.String())
			if direction == chatsync.RequestsSent {
				peer = valueOrDefault(r.ReceiverName, r.ReceiverID.String())
			}
			fmt.Printf("%-8s %-20s %-10s %s\n", r.ID, truncate(peer, 20), r.Status, formatTime(r.CreatedAt))
		}
		return nil
	},
}

var requestsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a received friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return friendMutation(args[0], "Accepted", func(f *chatsync.FriendSync, ctx context.Context, id chatsync.ID) error {
			return f.Accept(ctx, id)
		})
	},
}

var requestsCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a sent request or decline a received one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return friendMutation(args[0], "Cancelled", func(f *chatsync.FriendSync, ctx context.Context, id chatsync.ID) error {
			return f.Cancel(ctx, id)
		})
	},
}

func friendMutation(id, verb string, fn func(*chatsync.FriendSync, context.Context, chatsync.ID) error) error {
	cfg := mustConfig()
	s := newSession(cfg, cliLogger(cfg))
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := fn(s.Friends(), ctx, chatsync.ID(id)); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	fmt.Printf("%s request %s\n", verb, id)
	return nil
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	notificationsCmd.Flags().StringVar(&notificationsStatus, "status", "", "Header window to show: unread, read, or all")
	notificationsCmd.Flags().IntVar(&notificationsPage, "page", 1, "Page of the full list")
	notificationsCmd.Flags().IntVar(&notificationsPageSize, "page-size", 20, "Page size of the full list")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")

	requestsListCmd.Flags().BoolVar(&requestsJSON, "json", false, "Output raw JSON")
	requestsCmd.AddCommand(requestsListCmd, requestsAcceptCmd, requestsCancelCmd)

	rootCmd.AddCommand(notificationsCmd, readCmd, requestsCmd)
}
