// Package telegram cross-posts to a Telegram channel through the Bot API.
//
// Thread segments become channel messages chained with reply-to, which
// renders as a visible comment chain in channels with discussion enabled.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"crosspost/internal/platform"
	logx "crosspost/pkg/logx"
)

type Adapter struct {
	bot      *tele.Bot
	chat     *tele.Chat
	username string
	limiter  *rate.Limiter
	log      logx.Logger
}

// New builds an adapter for one bot+channel pair. Expected credentials:
// "token" and "chat_id" (numeric channel id or @username).
func New(_ context.Context, acct platform.Account, opts platform.Options) (platform.Adapter, error) {
	token := strings.TrimSpace(acct.Credentials["token"])
	chatRef := strings.TrimSpace(acct.Credentials["chat_id"])
	if token == "" || chatRef == "" {
		return nil, platform.Errf(platform.CodeUnauthorized, false, "telegram account %d is missing token or chat_id", acct.ID)
	}

	// No poller: this adapter only sends.
	bot, err := tele.NewBot(tele.Settings{Token: token, Synchronous: true})
	if err != nil {
		return nil, wrapTele(err)
	}

	chat := &tele.Chat{}
	if id, convErr := strconv.ParseInt(chatRef, 10, 64); convErr == nil {
		chat.ID = id
	} else {
		chat.Username = strings.TrimPrefix(chatRef, "@")
		resolved, resErr := bot.ChatByUsername("@" + chat.Username)
		if resErr != nil {
			return nil, wrapTele(resErr)
		}
		chat = resolved
	}

	return &Adapter{
		bot:      bot,
		chat:     chat,
		username: chat.Username,
		limiter:  opts.Limiter,
		log:      opts.Log,
	}, nil
}

func (a *Adapter) ID() platform.ID { return platform.Telegram }

func (a *Adapter) CreatePost(ctx context.Context, req platform.PostRequest) (platform.PostRef, error) {
	if err := platform.ValidateContent(platform.Telegram, req.Content); err != nil {
		return platform.PostRef{}, err
	}

	sendOpt := &tele.SendOptions{DisableWebPagePreview: true}
	if req.ReplyToExternalID != "" {
		msgID, err := strconv.Atoi(req.ReplyToExternalID)
		if err != nil {
			return platform.PostRef{}, platform.Errf(platform.CodeReplyRefMissing, false, "malformed telegram external id %q", req.ReplyToExternalID)
		}
		sendOpt.ReplyTo = &tele.Message{ID: msgID, Chat: a.chat}
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return platform.PostRef{}, platform.WrapErr(platform.CodeTimeout, true, err)
		}
	}

	var (
		msg *tele.Message
		err error
	)
	switch {
	case len(req.Media) == 0:
		msg, err = a.bot.Send(a.chat, req.Content, sendOpt)
	case len(req.Media) == 1:
		item, itemErr := albumItem(req.Media[0], req.Content)
		if itemErr != nil {
			return platform.PostRef{}, itemErr
		}
		msg, err = a.bot.Send(a.chat, item, sendOpt)
	default:
		// Multiple attachments go out as one media group so none are
		// dropped. The caption rides on the first item.
		info, _ := platform.Lookup(platform.Telegram)
		if len(req.Media) > info.Caps.MaxMediaPerPost {
			return platform.PostRef{}, platform.Errf(platform.CodeMediaUnsupported, false, "telegram allows %d attachments per message, got %d", info.Caps.MaxMediaPerPost, len(req.Media))
		}
		album := make(tele.Album, 0, len(req.Media))
		for i, f := range req.Media {
			caption := ""
			if i == 0 {
				caption = req.Content
			}
			item, itemErr := albumItem(f, caption)
			if itemErr != nil {
				return platform.PostRef{}, itemErr
			}
			album = append(album, item)
		}
		var msgs []tele.Message
		msgs, err = a.bot.SendAlbum(a.chat, album, sendOpt)
		if err == nil {
			if len(msgs) == 0 {
				return platform.PostRef{}, platform.Errf(platform.CodeRejected, false, "telegram returned an empty media group")
			}
			msg = &msgs[0]
		}
	}
	if err != nil {
		return platform.PostRef{}, wrapTele(err)
	}

	ref := platform.PostRef{ExternalID: strconv.Itoa(msg.ID), ExternalURL: a.messageURL(msg.ID)}
	a.log.Debug("telegram message sent", logx.Int("message_id", msg.ID))
	return ref, nil
}

// albumItem wraps one attachment as a sendable Bot API input. Anything
// that is neither image nor video fails explicitly.
func albumItem(f platform.MediaFile, caption string) (tele.Inputtable, error) {
	switch {
	case strings.HasPrefix(f.Mime, "image/"):
		return &tele.Photo{File: tele.FromReader(bytes.NewReader(f.Bytes)), Caption: caption}, nil
	case strings.HasPrefix(f.Mime, "video/"):
		return &tele.Video{File: tele.FromReader(bytes.NewReader(f.Bytes)), Caption: caption}, nil
	default:
		return nil, platform.Errf(platform.CodeMediaUnsupported, false, "telegram adapter cannot attach %q", f.Mime)
	}
}

func (a *Adapter) messageURL(msgID int) string {
	if a.username == "" {
		return ""
	}
	return fmt.Sprintf("https://t.me/%s/%d", a.username, msgID)
}

func wrapTele(err error) *platform.PublishError {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		pe := platform.WrapErr(platform.CodeRateLimited, true, err)
		pe.RetryAfter = time.Duration(flood.RetryAfter) * time.Second
		return pe
	}
	switch {
	case errors.Is(err, tele.ErrUnauthorized), errors.Is(err, tele.ErrNotStartedByUser), errors.Is(err, tele.ErrBlockedByUser):
		return platform.WrapErr(platform.CodeUnauthorized, false, err)
	case errors.Is(err, tele.ErrTooLongMessage):
		return platform.WrapErr(platform.CodeContentTooLong, false, err)
	case errors.Is(err, tele.ErrInternal):
		return platform.WrapErr(platform.CodeUnavailable, true, err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		// Remaining Bot API errors are 4xx contract violations.
		return platform.WrapErr(platform.CodeRejected, false, err)
	}
	return platform.WrapErr(platform.CodeUnavailable, true, err)
}
