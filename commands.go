package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"servicechat/internal/models"
)

func init() {
	rootCmd.AddCommand(conversationsCmd, questionsCmd, openCmd, chatCmd)

	openCmd.Flags().Int64("customer", 0, "customer participant id")
	openCmd.Flags().Int64("employee", 0, "employee participant id")
	_ = openCmd.MarkFlagRequired("customer")
	_ = openCmd.MarkFlagRequired("employee")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		conversations, err := a.directory.ListConversations(cmd.Context(), cfg.Identity.ID)
		if err != nil {
			return err
		}
		printConversations(conversations)
		return nil
	},
}

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List the canned questions by category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		groups, err := a.catalog.Grouped(cmd.Context())
		if err != nil {
			return err
		}
		for _, g := range groups {
			fmt.Printf("%s\n", g.Category)
			for _, q := range g.Questions {
				fmt.Printf("  [%d] %s\n", q.ID, q.Question)
			}
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a conversation between a customer and an employee",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		customerID, _ := cmd.Flags().GetInt64("customer")
		employeeID, _ := cmd.Flags().GetInt64("employee")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		conv, err := a.directory.CreateConversation(cmd.Context(), cfg.Identity.ID, customerID, employeeID)
		if err != nil {
			return err
		}
		fmt.Printf("Opened conversation %d with %s\n", conv.ID, partyLabel(conv))
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Chat interactively in a conversation",
	Long: `chat connects the push transport, selects a conversation (the first
one when no id is given) and reads commands from stdin. Plain lines are
sent as messages; type /help for the other commands.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var conversationID int64
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			conversationID = id
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return runChat(cmd.Context(), a, conversationID, os.Stdin, os.Stdout)
	},
}

func printConversations(conversations []models.Conversation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWITH\tUNREAD\tLAST MESSAGE")
	for _, c := range conversations {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", c.ID, partyLabel(c), c.UnreadCount, preview(c.LastMessage, 40))
	}
	_ = w.Flush()
}

func partyLabel(c models.Conversation) string {
	if c.OtherPartyName != "" {
		return c.OtherPartyName
	}
	if c.OtherPartyEmail != "" {
		return c.OtherPartyEmail
	}
	return "#" + strconv.FormatInt(c.OtherPartyID, 10)
}

func preview(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
