package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"servicechat/internal/httpapi"
	"servicechat/internal/models"
	"servicechat/internal/services"
)

const renderedMessages = 20

type commandKind string

const (
	cmdNone     commandKind = ""
	cmdSend     commandKind = "send"
	cmdQuestion commandKind = "question"
	cmdEdit     commandKind = "edit"
	cmdDelete   commandKind = "delete"
	cmdMore     commandKind = "more"
	cmdRetry    commandKind = "retry"
	cmdFailed   commandKind = "failed"
	cmdResend   commandKind = "resend"
	cmdClear    commandKind = "clear"
	cmdQuit     commandKind = "quit"
	cmdHelp     commandKind = "help"
)

const chatHelp = `Commands:
  <text>             send a message
  /q <questionId>    send a canned question
  /edit <id> <text>  edit one of your messages
  /delete <id>       delete one of your messages
  /more              load older messages
  /retry             reconnect and reload everything
  /failed            list sends that failed
  /resend <id>       resend a failed send
  /clear             dismiss the current error
  /quit              leave the chat`

type chatCommand struct {
	kind commandKind
	id   int64
	text string
}

// parseCommand turns one input line into a chat command.
func parseCommand(line string) (chatCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return chatCommand{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return chatCommand{kind: cmdSend, text: line}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/q", "/question":
		id, err := parseID(name, rest)
		return chatCommand{kind: cmdQuestion, id: id}, err
	case "/edit":
		idStr, text, _ := strings.Cut(rest, " ")
		id, err := parseID(name, idStr)
		if err != nil {
			return chatCommand{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return chatCommand{}, fmt.Errorf("usage: /edit <id> <text>")
		}
		return chatCommand{kind: cmdEdit, id: id, text: text}, nil
	case "/delete":
		id, err := parseID(name, rest)
		return chatCommand{kind: cmdDelete, id: id}, err
	case "/resend":
		id, err := parseID(name, rest)
		return chatCommand{kind: cmdResend, id: id}, err
	case "/more":
		return chatCommand{kind: cmdMore}, nil
	case "/retry":
		return chatCommand{kind: cmdRetry}, nil
	case "/failed":
		return chatCommand{kind: cmdFailed}, nil
	case "/clear":
		return chatCommand{kind: cmdClear}, nil
	case "/quit", "/exit":
		return chatCommand{kind: cmdQuit}, nil
	case "/help":
		return chatCommand{kind: cmdHelp}, nil
	default:
		return chatCommand{}, fmt.Errorf("unknown command %s, type /help", name)
	}
}

func parseID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s needs a positive numeric id", name)
	}
	return id, nil
}

func runChat(ctx context.Context, a *app, conversationID int64, in io.Reader, out io.Writer) error {
	s := a.session

	if a.cfg.StatusAddr != "" {
		handler, err := a.statusHandler()
		if err != nil {
			return err
		}
		go func() {
			if err := httpapi.Serve(ctx, a.cfg.StatusAddr, handler); err != nil {
				log.Error().Err(err).Str("addr", a.cfg.StatusAddr).Msg("Status server failed")
			}
		}()
	}

	if err := s.Start(ctx); err != nil {
		fmt.Fprintf(out, "! %v\n", err)
	}

	conv, err := pickConversation(s.Snapshot().Conversations, conversationID)
	if err != nil {
		return err
	}
	if err := s.SelectConversation(ctx, conv); err != nil {
		fmt.Fprintf(out, "! %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r := &renderer{out: out, selfID: a.cfg.Identity.ID}
	r.render(s.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Updates():
			r.render(s.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, s, a.catalog, out, line); quit {
				return nil
			}
		}
	}
}

func pickConversation(conversations []models.Conversation, id int64) (models.Conversation, error) {
	if id == 0 {
		if len(conversations) == 0 {
			return models.Conversation{}, errors.New("no conversations yet, open one with the open command")
		}
		return conversations[0], nil
	}
	for _, c := range conversations {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Conversation{ID: id}, nil
}

func handleLine(ctx context.Context, s *services.Session, catalog *services.CatalogService, out io.Writer, line string) bool {
	c, err := parseCommand(line)
	if err != nil {
		fmt.Fprintf(out, "! %v\n", err)
		return false
	}

	switch c.kind {
	case cmdNone:
	case cmdSend:
		_, err = s.SendMessage(ctx, c.text, models.MessageTypeText, nil)
	case cmdQuestion:
		err = sendQuestion(ctx, s, catalog, c.id)
	case cmdEdit:
		_, err = s.EditMessage(ctx, c.id, c.text)
	case cmdDelete:
		err = s.DeleteMessage(ctx, c.id)
	case cmdMore:
		err = s.LoadMoreMessages(ctx)
	case cmdRetry:
		err = s.Retry(ctx)
	case cmdFailed:
		err = printFailed(s, out)
	case cmdResend:
		_, err = s.ResendFailed(ctx, uint(c.id))
	case cmdClear:
		s.ClearError()
	case cmdHelp:
		fmt.Fprintln(out, chatHelp)
	case cmdQuit:
		return true
	}
	if err != nil {
		fmt.Fprintf(out, "! %v\n", err)
	}
	return false
}

func sendQuestion(ctx context.Context, s *services.Session, catalog *services.CatalogService, id int64) error {
	q, ok := catalog.Find(ctx, id)
	if !ok {
		return fmt.Errorf("unknown question %d, see the questions command", id)
	}
	_, err := s.SendMessage(ctx, q.Question, models.MessageTypeCustomQuestion, &id)
	return err
}

func printFailed(s *services.Session, out io.Writer) error {
	failed, err := s.FailedSends()
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		fmt.Fprintln(out, "No failed sends.")
		return nil
	}
	for _, f := range failed {
		fmt.Fprintf(out, "[%d] chat %d, %d attempt(s): %s (%s)\n", f.ID, f.ChatID, f.Attempts, preview(f.Content, 40), f.LastError)
	}
	return nil
}

// renderer prints the session whenever its visible content changed.
type renderer struct {
	out    io.Writer
	selfID int64
	last   string
}

func (r *renderer) render(st services.State) {
	var b strings.Builder

	title := "no conversation"
	if st.Selected != nil {
		title = fmt.Sprintf("%s (#%d)", partyLabel(*st.Selected), st.Selected.ID)
	}
	fmt.Fprintf(&b, "== %s | %s", title, st.Connection)
	if st.ReconnectAttempts > 0 {
		fmt.Fprintf(&b, " (attempt %d)", st.ReconnectAttempts)
	}
	b.WriteString(" ==\n")

	if st.LoadingMessages {
		b.WriteString("loading messages...\n")
	} else if st.HasMore {
		b.WriteString("(/more for older messages)\n")
	}

	messages := st.Messages
	if len(messages) > renderedMessages {
		messages = messages[:renderedMessages]
	}
	for i := len(messages) - 1; i >= 0; i-- {
		b.WriteString(r.formatMessage(messages[i]))
		b.WriteByte('\n')
	}
	if st.Error != "" {
		fmt.Fprintf(&b, "! %s (/retry, /clear)\n", st.Error)
	}

	text := b.String()
	if text == r.last {
		return
	}
	r.last = text
	fmt.Fprint(r.out, text)
}

func (r *renderer) formatMessage(m models.Message) string {
	who := m.SenderName
	if m.SenderID == r.selfID {
		who = "you"
	} else if who == "" {
		who = "#" + strconv.FormatInt(m.SenderID, 10)
	}

	at := ""
	if !m.CreatedAt.IsZero() {
		at = m.CreatedAt.Local().Format("15:04") + " "
	}

	switch {
	case m.IsDeleted:
		return fmt.Sprintf("%d %s%s: (message deleted)", m.ID, at, who)
	case m.IsEdited:
		return fmt.Sprintf("%d %s%s: %s (edited)", m.ID, at, who, m.Content)
	case m.Type == models.MessageTypeCustomQuestion:
		return fmt.Sprintf("%d %s%s: [?] %s", m.ID, at, who, m.Content)
	default:
		return fmt.Sprintf("%d %s%s: %s", m.ID, at, who, m.Content)
	}
}
