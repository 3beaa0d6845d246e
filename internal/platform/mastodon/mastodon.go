// Package mastodon publishes statuses through the Mastodon REST API.
//
// Only the two endpoints the pipeline needs are implemented: media upload
// (POST /api/v2/media) and status creation (POST /api/v1/statuses).
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/platform"
	logx "crosspost/pkg/logx"
)

type Adapter struct {
	base    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds an adapter for one Mastodon account. Expected credentials:
// "server" (instance base URL) and "access_token".
func New(_ context.Context, acct platform.Account, opts platform.Options) (platform.Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(acct.Credentials["server"]), "/")
	token := strings.TrimSpace(acct.Credentials["access_token"])
	if base == "" || token == "" {
		return nil, platform.Errf(platform.CodeUnauthorized, false, "mastodon account %d is missing server or access token", acct.ID)
	}
	return &Adapter{
		base:    base,
		token:   token,
		client:  &http.Client{Timeout: opts.HTTPTimeout},
		limiter: opts.Limiter,
		log:     opts.Log,
	}, nil
}

func (a *Adapter) ID() platform.ID { return platform.Mastodon }

type statusResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type mediaResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	Error string `json:"error"`
}

func (a *Adapter) CreatePost(ctx context.Context, req platform.PostRequest) (platform.PostRef, error) {
	if err := platform.ValidateContent(platform.Mastodon, req.Content); err != nil {
		return platform.PostRef{}, err
	}

	// Reject over-limit attachment sets locally instead of burning the
	// uploads and eating a 422 on status creation.
	if info, _ := platform.Lookup(platform.Mastodon); len(req.Media) > info.Caps.MaxMediaPerPost {
		return platform.PostRef{}, platform.Errf(platform.CodeMediaUnsupported, false, "mastodon allows %d attachments per status, got %d", info.Caps.MaxMediaPerPost, len(req.Media))
	}

	mediaIDs := make([]string, 0, len(req.Media))
	for _, f := range req.Media {
		id, err := a.uploadMedia(ctx, f)
		if err != nil {
			return platform.PostRef{}, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	form := url.Values{}
	form.Set("status", req.Content)
	if req.ReplyToExternalID != "" {
		form.Set("in_reply_to_id", req.ReplyToExternalID)
	}
	for _, id := range mediaIDs {
		form.Add("media_ids[]", id)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return platform.PostRef{}, platform.WrapErr(platform.CodeTimeout, true, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/v1/statuses", strings.NewReader(form.Encode()))
	if err != nil {
		return platform.PostRef{}, platform.WrapErr(platform.CodeUnavailable, true, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+a.token)
	if req.IdempotencyKey != "" {
		// Mastodon dedupes duplicate creates carrying the same key, which
		// keeps at-least-once delivery from double-posting.
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return platform.PostRef{}, platform.WrapErr(platform.CodeUnavailable, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return platform.PostRef{}, a.wrapStatus(resp)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return platform.PostRef{}, platform.WrapErr(platform.CodeRejected, false, fmt.Errorf("decode status response: %w", err))
	}
	a.log.Debug("mastodon status created", logx.String("status_id", status.ID))
	return platform.PostRef{ExternalID: status.ID, ExternalURL: status.URL}, nil
}

func (a *Adapter) uploadMedia(ctx context.Context, f platform.MediaFile) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName(f))
	if err != nil {
		return "", platform.WrapErr(platform.CodeMediaUnsupported, false, err)
	}
	if _, err := part.Write(f.Bytes); err != nil {
		return "", platform.WrapErr(platform.CodeMediaUnsupported, false, err)
	}
	if f.AltText != "" {
		_ = mw.WriteField("description", f.AltText)
	}
	if err := mw.Close(); err != nil {
		return "", platform.WrapErr(platform.CodeMediaUnsupported, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/v2/media", &body)
	if err != nil {
		return "", platform.WrapErr(platform.CodeUnavailable, true, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", platform.WrapErr(platform.CodeUnavailable, true, err)
	}
	defer resp.Body.Close()

	// 202 means the instance is still transcoding; the media id is already
	// usable for status creation.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", a.wrapStatus(resp)
	}

	var media mediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&media); err != nil {
		return "", platform.WrapErr(platform.CodeRejected, false, fmt.Errorf("decode media response: %w", err))
	}
	return media.ID, nil
}

func (a *Adapter) wrapStatus(resp *http.Response) *platform.PublishError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil && ae.Error != "" {
		msg = ae.Error
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		pe := platform.Errf(platform.CodeRateLimited, true, "%s", msg)
		pe.RetryAfter = retryAfter(resp)
		return pe
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return platform.Errf(platform.CodeUnauthorized, false, "%s", msg)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return platform.Errf(platform.CodeRejected, false, "%s", msg)
	case resp.StatusCode >= 500:
		return platform.Errf(platform.CodeUnavailable, true, "%s %s", resp.Status, msg)
	default:
		return platform.Errf(platform.CodeRejected, false, "%s %s", resp.Status, msg)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func fileName(f platform.MediaFile) string {
	if f.Path != "" {
		if i := strings.LastIndexByte(f.Path, '/'); i >= 0 {
			return f.Path[i+1:]
		}
		return f.Path
	}
	ext := "bin"
	if _, sub, ok := strings.Cut(f.Mime, "/"); ok && sub != "" {
		ext = sub
	}
	return "upload." + ext
}
