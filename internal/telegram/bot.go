package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"twitter2telegram/internal/model"
	"twitter2telegram/internal/store/sqlite"
	"twitter2telegram/internal/subscriber"
	"twitter2telegram/internal/ttlcache"
	"twitter2telegram/internal/twitter"
)

// pendingAuthTTL bounds how long a started OAuth handshake waits for its PIN.
const pendingAuthTTL = 10 * time.Minute

const helpText = `Commands:
/GetTwitterAuthURL - authorize your Twitter account
/SetTwitterVerifyCode <pin> - finish authorization
/FollowTwitterID <id> - follow a Twitter account
/UnfollowTwitterID <id> - unfollow a Twitter account
/BlockTwitterID <1|2> <id> - block retweets (1) or an account (2)
/UnblockTwitterID <1|2> <id> - remove a block
/ListFollowedTwitterID - list followed accounts
/ListBlockedTwitterID - list blocked accounts
/ToggleRetweet - toggle retweet delivery
/ToggleTextMsg - toggle text messages for media tweets`

// Bot consumes Telegram updates and drives the subscription manager, the
// database and the OAuth flow from user commands and keyboard callbacks.
type Bot struct {
	client      *Client
	store       *sqlite.Store
	sub         *subscriber.Subscriber
	tw          *twitter.Client
	adminID     int64
	pendingAuth *ttlcache.Cache[int64, twitter.AuthRequest]
	log         *slog.Logger
}

// NewBot wires the command dispatcher.
func NewBot(client *Client, store *sqlite.Store, sub *subscriber.Subscriber, tw *twitter.Client, adminID int64, log *slog.Logger) *Bot {
	return &Bot{
		client:      client,
		store:       store,
		sub:         sub,
		tw:          tw,
		adminID:     adminID,
		pendingAuth: ttlcache.New[int64, twitter.AuthRequest](pendingAuthTTL),
		log:         log,
	}
}

// Run polls for updates until ctx is cancelled. Keyboard callbacks carry the
// same command lines as typed messages, so both funnel into dispatch.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := b.client.api.GetUpdatesChan(cfg)

	for {
		select {
		case <-ctx.Done():
			b.client.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(update)
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	if cq := update.CallbackQuery; cq != nil {
		if _, err := b.client.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			b.log.Warn("callback ack", "err", err)
		}
		b.dispatch(cq.From.ID, cq.Data)
		return
	}
	if msg := update.Message; msg != nil && msg.From != nil && msg.IsCommand() {
		line := "/" + msg.Command()
		if args := msg.CommandArguments(); args != "" {
			line += " " + args
		}
		b.dispatch(msg.From.ID, line)
	}
}

// dispatch executes one command line on behalf of chatID. Only /start and the
// admin-gated /AddUser run without a user record.
func (b *Bot) dispatch(chatID int64, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	b.log.Info("command", "chat", chatID, "cmd", cmd)

	switch cmd {
	case "start", "help":
		b.reply(chatID, helpText)
		return
	case "adduser":
		if chatID != b.adminID {
			b.reply(chatID, "Permission denied.")
			return
		}
		b.handleAddUser(chatID, args)
		return
	}

	user, err := b.store.GetUser(chatID)
	if err != nil {
		b.log.Error("load user", "chat", chatID, "err", err)
		b.reply(chatID, "Internal error, try again later.")
		return
	}
	if user == nil {
		b.reply(chatID, "You are not registered, ask the admin to add you.")
		return
	}

	switch cmd {
	case "gettwitterauthurl":
		b.handleAuthURL(user)
	case "settwitterverifycode":
		b.handleVerifyCode(user, args)
	case "followtwitterid":
		b.handleFollow(user, args)
	case "unfollowtwitterid":
		b.handleUnfollow(user, args)
	case "blocktwitterid":
		b.handleBlock(user, args)
	case "unblocktwitterid":
		b.handleUnblock(user, args)
	case "listfollowedtwitterid":
		b.handleListFollowed(user)
	case "listblockedtwitterid":
		b.handleListBlocked(user)
	case "toggleretweet":
		b.handleToggleRetweet(user)
	case "toggletextmsg":
		b.handleToggleTextMsg(user)
	default:
		b.reply(chatID, "Unknown command, see /help.")
	}
}

func (b *Bot) handleAddUser(chatID int64, args []string) {
	if len(args) < 2 {
		b.reply(chatID, "Usage: /AddUser <telegram id> <label>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(chatID, "Telegram id must be numeric.")
		return
	}
	existing, err := b.store.GetUser(id)
	if err != nil {
		b.log.Error("load user", "user", id, "err", err)
		b.reply(chatID, "Internal error, try again later.")
		return
	}
	if existing != nil {
		b.reply(chatID, "User already exists.")
		return
	}
	u := model.User{
		ID:        id,
		Label:     strings.Join(args[1:], " "),
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.CreateUser(u); err != nil {
		b.log.Error("create user", "user", id, "err", err)
		b.reply(chatID, "Internal error, try again later.")
		return
	}
	b.reply(chatID, fmt.Sprintf("User %d (%s) added.", u.ID, u.Label))
}

func (b *Bot) handleAuthURL(user *model.User) {
	req, authURL, err := b.tw.RequestAuthURL()
	if err != nil {
		b.log.Error("oauth request", "user", user.ID, "err", err)
		b.reply(user.ID, "Could not start Twitter authorization, try again later.")
		return
	}
	b.pendingAuth.Set(user.ID, req)
	b.reply(user.ID, "Open this URL, authorize the bot, then send /SetTwitterVerifyCode <pin>:\n"+authURL)
}

func (b *Bot) handleVerifyCode(user *model.User, args []string) {
	if len(args) != 1 || len(args[0]) != 7 {
		b.reply(user.ID, "The verification code is the 7-digit PIN Twitter showed you.")
		return
	}
	req, ok := b.pendingAuth.Get(user.ID)
	if !ok {
		b.reply(user.ID, "No pending authorization, run /GetTwitterAuthURL first.")
		return
	}
	tok, err := b.tw.ExchangePIN(req, args[0])
	if err != nil {
		b.log.Warn("oauth exchange", "user", user.ID, "err", err)
		b.reply(user.ID, "Twitter rejected the PIN, run /GetTwitterAuthURL again.")
		return
	}
	b.pendingAuth.Delete(user.ID)

	blob, err := tok.Encode()
	if err != nil {
		b.log.Error("encode token", "user", user.ID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	if err := b.store.UpdateTwitterToken(user.ID, blob, true); err != nil {
		b.log.Error("store token", "user", user.ID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	if err := b.sub.AddToken(user.ID, blob); err != nil {
		b.log.Error("register token", "user", user.ID, "err", err)
		if errors.Is(err, subscriber.ErrCredentialExpired) {
			if dbErr := b.store.SetTwitterStatus(user.ID, false); dbErr != nil {
				b.log.Error("set twitter status", "user", user.ID, "err", dbErr)
			}
			b.reply(user.ID, "Twitter reports the authorization as invalid, try again.")
			return
		}
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	b.reply(user.ID, "Twitter authorization complete.")
}

// userToken decodes the caller's stored access token, replying with guidance
// when the user has not authorized yet.
func (b *Bot) userToken(user *model.User) (twitter.Token, bool) {
	if !user.TwitterStatus || user.TwitterAccessToken == "" {
		b.reply(user.ID, "Authorize Twitter first with /GetTwitterAuthURL.")
		return twitter.Token{}, false
	}
	tok, err := twitter.ParseToken(user.TwitterAccessToken)
	if err != nil {
		b.log.Error("parse stored token", "user", user.ID, "err", err)
		b.reply(user.ID, "Your stored authorization is unusable, run /GetTwitterAuthURL again.")
		return twitter.Token{}, false
	}
	return tok, true
}

// handleFollow serves both the typed command and the keyboard callback
// "/FollowTwitterID <id> <retweeter id>"; the second argument credits the
// retweeter whose retweet prompted the follow.
func (b *Bot) handleFollow(user *model.User, args []string) {
	if len(args) < 1 {
		b.reply(user.ID, "Usage: /FollowTwitterID <twitter user id>")
		return
	}
	twitterUserID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(user.ID, "Twitter user id must be numeric.")
		return
	}
	var from int64
	if len(args) > 1 {
		from, _ = strconv.ParseInt(args[1], 10, 64)
	}

	if b.sub.Follows(user.ID, twitterUserID) {
		b.reply(user.ID, "Already following that account.")
		return
	}
	tok, ok := b.userToken(user)
	if !ok {
		return
	}
	profile, err := b.tw.LookupUser(tok, twitterUserID)
	if err != nil {
		b.log.Warn("lookup twitter user", "user", user.ID, "account", twitterUserID, "err", err)
		b.reply(user.ID, "Could not look up that Twitter account.")
		return
	}

	f := model.Follow{
		UserID:          user.ID,
		TwitterUserID:   twitterUserID,
		TwitterUsername: profile.ScreenName,
		CreatedAt:       time.Now().UTC(),
	}
	if err := b.store.CreateFollow(f); err != nil {
		b.log.Error("create follow", "user", user.ID, "account", twitterUserID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	blob, err := b.sub.AddFollow(f, from)
	if err != nil {
		b.log.Error("add follow", "user", user.ID, "account", twitterUserID, "err", err)
		if errors.Is(err, subscriber.ErrNoCredential) {
			b.reply(user.ID, "No valid Twitter authorization is registered yet.")
			return
		}
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	if from > 0 {
		if err := b.store.IncreaseFollowRTCount(user.ID, from); err != nil {
			b.log.Error("increase follow_rt_count", "user", user.ID, "err", err)
		}
	}
	if blob != "" {
		b.sub.EnqueueRebalance(blob)
	}
	b.reply(user.ID, fmt.Sprintf("Now following @%s.", profile.ScreenName))
}

func (b *Bot) handleUnfollow(user *model.User, args []string) {
	if len(args) < 1 {
		b.reply(user.ID, "Usage: /UnfollowTwitterID <twitter user id>")
		return
	}
	twitterUserID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(user.ID, "Twitter user id must be numeric.")
		return
	}
	if err := b.store.DeleteFollow(user.ID, twitterUserID); err != nil {
		b.log.Error("delete follow", "user", user.ID, "account", twitterUserID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	if blob := b.sub.RemoveFollow(user.ID, twitterUserID); blob != "" {
		b.sub.EnqueueRebalance(blob)
	}
	b.reply(user.ID, fmt.Sprintf("Unfollowed %d.", twitterUserID))
}

// handleBlock serves "/BlockTwitterID <1|2> <id> [retweeter id]". Type 1
// suppresses retweets of the account, type 2 suppresses the account entirely.
func (b *Bot) handleBlock(user *model.User, args []string) {
	if len(args) < 2 {
		b.reply(user.ID, "Usage: /BlockTwitterID <1|2> <twitter user id>")
		return
	}
	kind, twitterUserID, ok := b.parseBlockArgs(user.ID, args)
	if !ok {
		return
	}
	var from int64
	if len(args) > 2 {
		from, _ = strconv.ParseInt(args[2], 10, 64)
	}

	username := ""
	if tok, err := twitter.ParseToken(user.TwitterAccessToken); err == nil {
		if profile, err := b.tw.LookupUser(tok, twitterUserID); err == nil {
			username = profile.ScreenName
		}
	}

	entry := model.Blacklist{
		UserID:          user.ID,
		TwitterUserID:   twitterUserID,
		TwitterUsername: username,
		CreatedAt:       time.Now().UTC(),
		Type:            kind,
	}
	if err := b.store.CreateBlacklist(entry); err != nil {
		b.log.Error("create blacklist", "user", user.ID, "account", twitterUserID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	b.sub.Block(entry, from)
	if kind == model.BlockTwitter && from > 0 {
		if err := b.store.IncreaseBlockRTCount(user.ID, from); err != nil {
			b.log.Error("increase block_rt_count", "user", user.ID, "err", err)
		}
	}
	b.reply(user.ID, fmt.Sprintf("Blocked %d (type %d).", twitterUserID, kind))
}

func (b *Bot) handleUnblock(user *model.User, args []string) {
	if len(args) < 2 {
		b.reply(user.ID, "Usage: /UnblockTwitterID <1|2> <twitter user id>")
		return
	}
	kind, twitterUserID, ok := b.parseBlockArgs(user.ID, args)
	if !ok {
		return
	}
	if err := b.store.DeleteBlacklist(user.ID, twitterUserID, kind); err != nil {
		b.log.Error("delete blacklist", "user", user.ID, "account", twitterUserID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	b.sub.Unblock(user.ID, twitterUserID, kind)
	b.reply(user.ID, fmt.Sprintf("Unblocked %d (type %d).", twitterUserID, kind))
}

func (b *Bot) parseBlockArgs(chatID int64, args []string) (model.BlacklistType, int64, bool) {
	kindArg, err := strconv.Atoi(args[0])
	if err != nil || (kindArg != int(model.BlockRT) && kindArg != int(model.BlockTwitter)) {
		b.reply(chatID, "Block type must be 1 (retweets) or 2 (account).")
		return 0, 0, false
	}
	twitterUserID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		b.reply(chatID, "Twitter user id must be numeric.")
		return 0, 0, false
	}
	return model.BlacklistType(kindArg), twitterUserID, true
}

func (b *Bot) handleListFollowed(user *model.User) {
	follows, err := b.store.GetFollowsByUser(user.ID)
	if err != nil {
		b.log.Error("list follows", "user", user.ID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	if len(follows) == 0 {
		b.reply(user.ID, "You are not following anyone.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Followed accounts:\n")
	for _, f := range follows {
		fmt.Fprintf(&sb, "@%s (%d)\n", f.TwitterUsername, f.TwitterUserID)
	}
	b.reply(user.ID, sb.String())
}

func (b *Bot) handleListBlocked(user *model.User) {
	var sb strings.Builder
	total := 0
	for kind, title := range map[model.BlacklistType]string{
		model.BlockRT:      "Blocked retweets",
		model.BlockTwitter: "Blocked accounts",
	} {
		entries, err := b.store.GetBlacklistByUser(user.ID, kind)
		if err != nil {
			b.log.Error("list blacklist", "user", user.ID, "err", err)
			b.reply(user.ID, "Internal error, try again later.")
			return
		}
		if len(entries) == 0 {
			continue
		}
		sb.WriteString(title + ":\n")
		for _, e := range entries {
			fmt.Fprintf(&sb, "@%s (%d)\n", e.TwitterUsername, e.TwitterUserID)
		}
		total += len(entries)
	}
	if total == 0 {
		b.reply(user.ID, "You have not blocked anyone.")
		return
	}
	b.reply(user.ID, sb.String())
}

func (b *Bot) handleToggleRetweet(user *model.User) {
	next := !user.DisableRetweet
	if err := b.store.SetDisableRetweet(user.ID, next); err != nil {
		b.log.Error("set disable_retweet", "user", user.ID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	b.sub.SetPrefs(user.ID, next, user.DisableTextMsg)
	if next {
		b.reply(user.ID, "Retweet delivery disabled.")
	} else {
		b.reply(user.ID, "Retweet delivery enabled.")
	}
}

func (b *Bot) handleToggleTextMsg(user *model.User) {
	next := !user.DisableTextMsg
	if err := b.store.SetDisableTextMsg(user.ID, next); err != nil {
		b.log.Error("set disable_text_msg", "user", user.ID, "err", err)
		b.reply(user.ID, "Internal error, try again later.")
		return
	}
	b.sub.SetPrefs(user.ID, user.DisableRetweet, next)
	if next {
		b.reply(user.ID, "Text messages for media tweets disabled.")
	} else {
		b.reply(user.ID, "Text messages for media tweets enabled.")
	}
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.client.SendText(chatID, text); err != nil {
		b.log.Error("reply", "chat", chatID, "err", err)
	}
}
