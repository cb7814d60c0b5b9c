// Command client is a line-oriented terminal chat client built on the sync
// engine. It is the reference embedder: one open session at a time, optimistic
// sends, status updates and typing indicators printed as they arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eventchat/internal/chat"
	"github.com/eventchat/internal/config"
	"github.com/eventchat/internal/logger"
	"github.com/eventchat/internal/model"
	"github.com/eventchat/internal/session"
	"github.com/eventchat/internal/session/memory"
	"github.com/eventchat/internal/startup"
	"github.com/eventchat/internal/ws"
)

func main() {
	logger.SetPrefix("client")
	eventID := flag.String("event", "", "event (room) id to join")
	userID := flag.String("user", "", "user id (random if empty)")
	userName := flag.String("name", "guest", "display name")
	flag.Parse()

	if *eventID == "" {
		fmt.Fprintln(os.Stderr, "usage: client -event <id> [-user <id>] [-name <name>]")
		os.Exit(2)
	}
	if *userID == "" {
		*userID = uuid.NewString()
	}

	cfg := config.Load()

	var store session.Store
	if cfg.Redis.URL != "" {
		store = startup.ConnectRedisWithRetry(cfg.Redis.URL, 15*time.Second)
	} else {
		store = memory.New()
	}
	defer store.Close()

	// The session does not exist until Open returns, but seeding fires the
	// change callback during Open. Render through this pointer and tolerate
	// the brief window where it is still nil.
	var sess *chat.Session

	self := model.Member{ID: *userID, Name: *userName}
	mgr := chat.NewManager(chat.Config{
		BaseURL:        cfg.Engine.APIBaseURL,
		WSURL:          cfg.Engine.WSURL,
		SendTimeout:    cfg.Engine.SendTimeout(),
		TypingDebounce: cfg.Engine.TypingDebounce(),
		DedupWindow:    cfg.Engine.DedupWindow(),
		SnapshotTTL:    cfg.Engine.SnapshotTTL(),
		HistoryTimeout: cfg.Engine.HistoryTimeout(),
		NearBottomPx:   cfg.Engine.NearBottomPx,
		Store:          store,
		OnListChange: func(_ string, change chat.ListChange, _ bool) {
			printChange(sess, change)
		},
		OnTyping: func(_ string, users []ws.TypingUser) {
			printTyping(users)
		},
	}, self)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	opened, err := mgr.Open(ctx, *eventID)
	cancel()
	if err != nil {
		logger.Errorf("open session: %v", err)
		os.Exit(1)
	}
	sess = opened

	fmt.Printf("joined %s as %s; type a message, or /help\n", *eventID, *userName)
	repl(sess)
}

func repl(sess *chat.Session) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			sess.Keystroke()
			if _, err := sess.Send(line, nil); err != nil {
				fmt.Printf("! send: %v\n", err)
			}
			continue
		}
		cmd, arg, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "quit", "q":
			return
		case "help":
			fmt.Println("/read  mark visible messages read\n/resend <clientMsgId>\n/del <messageId>\n/list  print the thread\n/quit")
		case "read":
			if err := sess.MarkAsRead(); err != nil {
				fmt.Printf("! mark read: %v\n", err)
			}
		case "resend":
			if err := sess.Resend(arg); err != nil {
				fmt.Printf("! resend: %v\n", err)
			}
		case "del":
			if err := sess.Delete(arg); err != nil {
				fmt.Printf("! delete: %v\n", err)
			}
		case "list":
			for _, m := range sess.Messages() {
				printMessage(m)
			}
		default:
			fmt.Printf("! unknown command: /%s\n", cmd)
		}
	}
}

func printChange(sess *chat.Session, change chat.ListChange) {
	if sess == nil {
		return
	}
	msgs := sess.Messages()
	switch change {
	case chat.ChangeSeeded:
		fmt.Printf("-- history loaded (%d messages)\n", len(msgs))
		for _, m := range msgs {
			printMessage(m)
		}
	case chat.ChangeNewMessage, chat.ChangeOwnSend:
		if len(msgs) > 0 {
			printMessage(msgs[len(msgs)-1])
		}
	case chat.ChangeUpdated:
		// In-place edits (acks, read receipts, tombstones) are visible via
		// /list; reprinting the whole thread on every receipt is too noisy.
	}
}

func printTyping(users []ws.TypingUser) {
	if len(users) == 0 {
		return
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.UserName)
	}
	fmt.Printf("   [%s typing...]\n", strings.Join(names, ", "))
}

func printMessage(m model.Message) {
	if m.IsDeleted {
		fmt.Printf("%s %s: [deleted]\n", m.Timestamp.Local().Format("15:04"), m.SenderName)
		return
	}
	marker := ""
	switch m.Status {
	case model.StatusPending:
		marker = " (sending)"
	case model.StatusFailed:
		marker = " (failed, /resend " + m.ClientMsgID + ")"
	}
	if m.ReplyTo != nil {
		fmt.Printf("%s %s (re %s): %s%s\n", m.Timestamp.Local().Format("15:04"), m.SenderName, m.ReplyTo.SenderName, m.Text, marker)
		return
	}
	fmt.Printf("%s %s: %s%s\n", m.Timestamp.Local().Format("15:04"), m.SenderName, m.Text, marker)
}
