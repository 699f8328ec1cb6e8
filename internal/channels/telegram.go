package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/queue"
	"github.com/basket/taskforge/internal/shared"
	"github.com/basket/taskforge/internal/task"
)

// Telegram hard-caps messages at 4096 chars; leave room for the ellipsis note.
const replyLimit = 4000

const channelPrefix = "tg-"

// TelegramChannel bridges Telegram chats and the task queue. Each chat maps
// to one queue channel, so conversations get the queue's per-channel FIFO
// serialization for free.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	tasks      *queue.Queue
	events     *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, allowedIDs []int64, tasks *queue.Queue, events *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		tasks:      tasks,
		events:     events,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorResults(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting",
				"error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or the
// long poll stalls. The library blocks rather than closing the channel on a
// dead connection, so silence past the stall timeout forces a reconnect.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	userID := channelPrefix + strconv.FormatInt(msg.From.ID, 10)
	tk, err := taskFromMessage(userID, text)
	if err != nil {
		t.reply(msg.Chat.ID, "Error: "+err.Error())
		return
	}

	channelID := ChannelIDForChat(msg.Chat.ID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if err := t.tasks.Enqueue(ctx, channelID, tk); err != nil {
		t.logger.Error("failed to enqueue telegram task",
			"trace_id", shared.TraceID(ctx),
			"channel_id", channelID,
			"error", err)
		t.reply(msg.Chat.ID, "Error: could not queue your request.")
	}
}

// taskFromMessage maps message text to a task: slash commands to their
// variants and everything else to a mention.
func taskFromMessage(userID, text string) (*task.Task, error) {
	switch {
	case strings.HasPrefix(text, "/undo"):
		return task.NewUndo(userID)
	case strings.HasPrefix(text, "/diff"):
		return task.NewDiff(userID)
	case strings.HasPrefix(text, "/addrepo"):
		repoURL, key, err := parseAddRepo(text)
		if err != nil {
			return nil, err
		}
		return task.NewAddRepo(userID, repoURL, key)
	case strings.HasPrefix(text, "/"):
		return nil, fmt.Errorf("unknown command %s", strings.Fields(text)[0])
	default:
		return task.NewMention(userID, text, nil)
	}
}

// parseAddRepo expects "/addrepo <ssh-url>" on the first line and the deploy
// key block on the following lines.
func parseAddRepo(text string) (repoURL, key string, err error) {
	lines := strings.SplitN(text, "\n", 2)
	fields := strings.Fields(lines[0])
	if len(fields) != 2 {
		return "", "", fmt.Errorf("usage: /addrepo <ssh-url> with the deploy key on the next lines")
	}
	repoURL = fields[1]
	if len(lines) < 2 || strings.TrimSpace(lines[1]) == "" {
		return "", "", fmt.Errorf("missing deploy key: paste the private key below the /addrepo line")
	}
	return repoURL, strings.TrimSpace(lines[1]) + "\n", nil
}

// ChannelIDForChat derives the queue channel identity for a Telegram chat.
func ChannelIDForChat(chatID int64) string {
	return channelPrefix + strconv.FormatInt(chatID, 10)
}

// chatIDForChannel is the inverse of ChannelIDForChat; ok is false for
// channel IDs owned by other adapters.
func chatIDForChannel(channelID string) (int64, bool) {
	raw, found := strings.CutPrefix(channelID, channelPrefix)
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// monitorResults relays task results back into the originating chats.
func (t *TelegramChannel) monitorResults(ctx context.Context) {
	sub := t.events.Subscribe("task.")
	defer t.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			res, isResult := ev.Payload.(bus.TaskResultEvent)
			if !isResult {
				continue
			}
			chatID, mine := chatIDForChannel(res.ChannelID)
			if !mine {
				continue
			}
			t.reply(chatID, formatResult(ev.Topic, res))
		}
	}
}

func formatResult(topic string, res bus.TaskResultEvent) string {
	if topic == bus.TopicTaskFailed {
		reason := res.Err
		if reason == "" {
			reason = "unknown error"
		}
		return "Task failed: " + truncateReply(reason)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = "Done."
	}
	return truncateReply(text)
}

func truncateReply(text string) string {
	if len(text) <= replyLimit {
		return text
	}
	return text[:replyLimit] + "\n... (truncated)"
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}
