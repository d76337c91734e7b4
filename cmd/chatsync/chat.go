package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsJSON bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendJSON bool

	// delete
	deleteYes bool
)

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		s := newSession(cfg, cliLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		chats, err := s.Messages().LoadConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatsJSON {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range chats {
			preview := c.LastMessage
			if c.LastMessageDeletedAt != nil {
				preview = "(message deleted)"
			}
			fmt.Printf("%-8s %-20s %s  %s\n", c.ID, truncate(c.Name, 20), formatTime(c.LastMessageAt), truncate(preview, 50))
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <friend-id>",
	Short: "Show the conversation with a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		s := newSession(cfg, cliLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		msgs, err := s.Messages().LoadMessages(ctx, chatsync.ID(args[0]))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			who := valueOrDefault(m.SenderName, m.SenderID.String())
			if m.SenderID.String() == cfg.Auth.UserID {
				who = "me"
			}
			content := m.Content
			if m.IsDeleted() {
				content = "(deleted)"
			}
			fmt.Printf("[%s] %-8s %s: %s\n", formatTime(m.SentAt), m.ID, who, content)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <friend-id> <message>",
	Short: "Send a direct message",
	Long:  "Send a direct message. The message hub is used when it connects; otherwise the message is posted over REST.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		s := newSession(cfg, cliLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := login(ctx, s, cfg); err != nil {
			return err
		}
		defer s.Logout(context.Background())

		friendID := chatsync.ID(args[0])
		content := strings.Join(args[1:], " ")
		msg, err := s.Messages().Send(ctx, friendID, content)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if msg == nil {
			return fmt.Errorf("message is empty")
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent message %s to %s\n", msg.ID, friendID)
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <friend-id> <message-id>...",
	Short: "Delete your own messages from a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		s := newSession(cfg, cliLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := login(ctx, s, cfg); err != nil {
			return err
		}
		defer s.Logout(context.Background())

		friendID := chatsync.ID(args[0])
		msgs, err := s.Messages().LoadMessages(ctx, friendID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		s.OpenConversation(friendID)
		sel := s.Selection()
		sel.Enter()
		byID := make(map[chatsync.ID]chatsync.Message, len(msgs))
		for _, m := range msgs {
			byID[m.ID] = m
		}
		for _, id := range args[1:] {
			m, ok := byID[chatsync.ID(id)]
			if !ok {
				return fmt.Errorf("message %s is not in this conversation", id)
			}
			if !sel.Toggle(m) {
				return fmt.Errorf("message %s cannot be deleted (not yours, or already deleted)", id)
			}
		}
		if !sel.RequestConfirm() {
			return fmt.Errorf("nothing selected")
		}
		if !deleteYes && !confirm(fmt.Sprintf("Delete %d message(s)?", len(sel.Selected()))) {
			sel.Abort()
			fmt.Println("Aborted.")
			return nil
		}
		if err := sel.Commit(ctx); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %d message(s)\n", len(args)-1)
		return nil
	},
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(chatsCmd, messagesCmd, sendCmd, deleteCmd)
}
