package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	amoura "github.com/amoura-app/amoura-go"
)

var (
	conversationsJSON bool

	messagesLimit int
	messagesJSON  bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "maximum messages to fetch")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List active conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(cmd.Context())
		defer engine.Close()

		views, err := engine.Conversations(cmd.Context(), false)
		if err != nil {
			return err
		}

		if conversationsJSON {
			return json.NewEncoder(os.Stdout).Encode(views)
		}
		if len(views) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, v := range views {
			preview := "(no messages)"
			when := v.UpdatedAt
			if v.LatestMessage != nil {
				preview = v.LatestMessage.Content
				when = v.LatestMessage.CreatedAt
				if len(preview) > 60 {
					preview = preview[:60] + "..."
				}
			}
			unread := ""
			if v.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", v.UnreadCount)
			}
			fmt.Printf("%s  %s  %s%s\n", v.ID, when.Local().Format("Jan 02 15:04"), preview, unread)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(cmd.Context())
		defer engine.Close()

		msgs, err := engine.LoadMessages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return json.NewEncoder(os.Stdout).Encode(msgs)
		}
		for _, m := range msgs {
			printMessage(engine.ProfileID(), m)
		}
		return engine.MarkConversationRead(cmd.Context(), args[0])
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(cmd.Context())
		defer engine.Close()

		confirmed := make(chan amoura.Message, 1)
		engine.On(amoura.EvMessageConfirmed, func(_ string, payload any) {
			if m, ok := payload.(amoura.Message); ok {
				select {
				case confirmed <- m:
				default:
				}
			}
		})

		if err := engine.Sender(args[0]).Send(cmd.Context(), args[1]); err != nil {
			return err
		}

		select {
		case m := <-confirmed:
			fmt.Printf("Sent %s\n", m.ID)
		case <-time.After(10 * time.Second):
			fmt.Println("Sent (confirmation pending).")
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(cmd.Context())
		defer engine.Close()
		conversationID := args[0]

		msgs, err := engine.LoadMessages(cmd.Context(), conversationID)
		if err != nil {
			return err
		}
		tail := msgs
		if len(tail) > 10 {
			tail = tail[len(tail)-10:]
		}
		for _, m := range tail {
			printMessage(engine.ProfileID(), m)
		}

		engine.On(amoura.EvMessageNew, func(_ string, payload any) {
			m, ok := payload.(amoura.Message)
			if !ok || m.ConversationID != conversationID {
				return
			}
			printMessage(engine.ProfileID(), m)
		})
		engine.On(amoura.EvMessageUpdated, func(_ string, payload any) {
			m, ok := payload.(amoura.Message)
			if !ok || m.ConversationID != conversationID || m.ReadAt == nil {
				return
			}
			fmt.Printf("        (read: %s)\n", m.ID)
		})

		fmt.Println("Watching. Press Ctrl+C to stop.")
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case <-stop:
		case <-cmd.Context().Done():
		}
		return nil
	},
}

func printMessage(ownProfileID string, m amoura.Message) {
	who := "them"
	if m.SenderID == ownProfileID {
		who = "you"
	}
	if m.Sender != nil && m.Sender.Username != "" && who != "you" {
		who = m.Sender.Username
	}
	marker := ""
	if m.Optimistic {
		marker = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content, marker)
}
