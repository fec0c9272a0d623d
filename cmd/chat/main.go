// Command chat is a line-oriented terminal client for the realtime server.
//
//	chat --server http://localhost:8000 --token $(token -u 1)
//
// Type /help for the command list.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/client"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/logging"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

const help = `commands:
  /to <userId> <text>        direct message
  /room <roomId> <text>      room message
  /open conv|room <id>       load history and follow the thread
  /leave room <id>           stop following a room
  /typing conv|room <id>     send a typing indicator
  /read conv|room <id>       mark the loaded thread as read
  /online <id> [id...]       query presence
  /convs                     list conversations
  /quit`

func main() {
	server := flag.StringP("server", "s", "http://localhost:8000", "server base URL")
	token := flag.StringP("token", "t", os.Getenv("CHAT_TOKEN"), "access token (default $CHAT_TOKEN)")
	verbose := flag.BoolP("verbose", "v", false, "log connection details")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "--token is required")
		os.Exit(2)
	}
	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(true, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{ServerURL: *server, Token: *token, Log: log})
	c.OnEvent(printEvent)
	c.Connect(ctx)
	defer c.Close()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println(help)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" {
				return
			}
			if err := execute(ctx, c, line); err != nil {
				log.Debug("command failed", zap.String("line", line), zap.Error(err))
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func execute(ctx context.Context, c *client.Client, line string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/help":
		fmt.Println(help)
		return nil

	case "/to", "/room":
		idArg, text, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseInt(idArg, 10, 64)
		if err != nil {
			return fmt.Errorf("bad id %q", idArg)
		}
		target := client.Target{RecipientID: id}
		if cmd == "/room" {
			target = client.Target{RoomID: id}
		}
		msg, err := c.SendMessage(ctx, target, text)
		if err != nil {
			return err
		}
		fmt.Printf("sent #%d\n", msg.ID)
		return nil

	case "/open":
		thread, err := parseThread(rest)
		if err != nil {
			return err
		}
		if thread.Kind == domain.ThreadRoom {
			if err := c.JoinThread(ctx, thread); err != nil {
				return err
			}
		}
		msgs, err := c.FetchMessages(ctx, thread)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil

	case "/leave":
		thread, err := parseThread(rest)
		if err != nil {
			return err
		}
		return c.LeaveThread(ctx, thread)

	case "/typing":
		thread, err := parseThread(rest)
		if err != nil {
			return err
		}
		return c.SendTypingIndicator(thread, true)

	case "/read":
		thread, err := parseThread(rest)
		if err != nil {
			return err
		}
		msgs, loaded := c.Messages(thread)
		if !loaded {
			return fmt.Errorf("open the thread first")
		}
		ids := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		return c.MarkRead(thread, ids)

	case "/online":
		var ids []int64
		for _, f := range strings.Fields(rest) {
			id, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return fmt.Errorf("bad id %q", f)
			}
			ids = append(ids, id)
		}
		status, err := c.RequestOnlineStatus(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Printf("user %d online=%t\n", id, status[id])
		}
		return nil

	case "/convs":
		convs, err := c.FetchConversations(ctx)
		if err != nil {
			return err
		}
		for _, conv := range convs {
			last := ""
			if conv.LastMessage != nil {
				last = conv.LastMessage.Content
			}
			fmt.Printf("conv %d with %v  %q\n", conv.ID, conv.Participants, last)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q, try /help", cmd)
}

func parseThread(arg string) (domain.ThreadRef, error) {
	kind, idArg, _ := strings.Cut(strings.TrimSpace(arg), " ")
	id, err := strconv.ParseInt(strings.TrimSpace(idArg), 10, 64)
	if err != nil || id <= 0 {
		return domain.ThreadRef{}, fmt.Errorf("bad id %q", idArg)
	}
	switch kind {
	case "conv":
		return domain.ConversationThread(id), nil
	case "room":
		return domain.RoomThread(id), nil
	}
	return domain.ThreadRef{}, fmt.Errorf("thread kind must be conv or room")
}

func printMessage(m protocol.MessagePayload) {
	where := fmt.Sprintf("conv %d", m.ConversationID)
	if m.RoomID != 0 {
		where = fmt.Sprintf("room %d", m.RoomID)
	}
	content := m.Content
	if m.IsDeleted {
		content = "(deleted)"
	}
	fmt.Printf("[%s] #%d %s user %d: %s\n", m.CreatedAt.Local().Format("15:04"), m.ID, where, m.SenderID, content)
}

func printEvent(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventMessageReceive:
		var p protocol.MessageReceive
		if env.Unmarshal(&p) == nil {
			printMessage(p.Message)
		}
	case protocol.EventUserOnline, protocol.EventUserOffline:
		var p protocol.UserPresence
		if env.Unmarshal(&p) == nil {
			fmt.Printf("* user %d %s\n", p.UserID, strings.TrimPrefix(env.Event, "user:"))
		}
	case protocol.EventTypingStart:
		var p protocol.TypingEvent
		if env.Unmarshal(&p) == nil {
			fmt.Printf("* user %d is typing\n", p.UserID)
		}
	case protocol.EventMessageRead:
		var p protocol.MessageRead
		if env.Unmarshal(&p) == nil {
			fmt.Printf("* user %d read %v\n", p.ReaderID, p.MessageIDs)
		}
	case protocol.EventMessageDeleted:
		var p protocol.MessageDeleted
		if env.Unmarshal(&p) == nil {
			fmt.Printf("* message #%d deleted\n", p.MessageID)
		}
	}
}
