// Package server exposes the HTTP API: compose, publish control, split,
// and health. It is a thin layer; all rules live in the store, the
// orchestrator, and the splitter.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"crosspost/internal/platform"
	"crosspost/internal/post"
	"crosspost/internal/publish"
	"crosspost/internal/splitter"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// DefaultStagger applies when a publish request asks for staggering
	// without a value of its own.
	DefaultStagger time.Duration
}

type Server struct {
	app   *fiber.App
	cfg   Config
	store *store.Store
	orch  *publish.Orchestrator
	split *splitter.Engine
	log   logx.Logger
}

func New(cfg Config, st *store.Store, orch *publish.Orchestrator, split *splitter.Engine, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{
		cfg:   cfg,
		store: st,
		orch:  orch,
		split: split,
		log:   log.With(logx.String("component", "server")),
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())
	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.log.Debug("request",
			logx.String("method", c.Method()),
			logx.String("path", c.Path()),
			logx.Int("status", c.Response().StatusCode()),
			logx.Duration("latency", time.Since(start)))
		return err
	})

	app.Get("/healthz", s.health)

	api := app.Group("/api")
	api.Post("/posts", s.createPost)
	api.Get("/posts/:id", s.getPost)
	api.Post("/posts/:id/publish", s.publishPost)
	api.Post("/posts/:id/schedule", s.schedulePost)
	api.Post("/posts/:id/retry", s.retryPost)
	api.Post("/accounts", s.createAccount)
	api.Post("/split", s.splitContent)

	s.app = app
	return s
}

// Listen blocks until Shutdown or a listener error.
func (s *Server) Listen() error {
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	return s.app.Listen(s.cfg.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler maps domain errors to HTTP statuses so handlers can just
// return them.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = fiber.StatusNotFound
	case publish.IsValidation(err), errors.Is(err, splitter.ErrNoStrategySelected):
		status = fiber.StatusBadRequest
	case errors.Is(err, publish.ErrNoActiveAccounts):
		status = fiber.StatusConflict
	default:
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}
	if status >= 500 {
		s.log.Error("request failed", logx.String("path", c.Path()), logx.Err(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	depth, err := s.store.QueueDepth(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "queue": depth})
}

type selectionBody struct {
	Platform   string  `json:"platform"`
	Position   int     `json:"position"`
	AccountIDs []int64 `json:"account_ids"`
}

type createPostBody struct {
	AuthorID   int64           `json:"author_id"`
	Content    string          `json:"content"`
	Selections []selectionBody `json:"selections"`

	// Thread holds the follow-up segments, already carrying their
	// position notation.
	Thread []string `json:"thread,omitempty"`
}

func (s *Server) createPost(c *fiber.Ctx) error {
	var body createPostBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if body.Content == "" {
		return fiber.NewError(fiber.StatusBadRequest, "content is required")
	}

	selections := make([]post.PlatformSelection, 0, len(body.Selections))
	for i, sel := range body.Selections {
		id := platform.ID(sel.Platform)
		if _, err := platform.LimitFor(id); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		pos := sel.Position
		if pos == 0 {
			pos = i
		}
		selections = append(selections, post.PlatformSelection{
			PlatformID: id,
			Position:   pos,
			IsSelected: true,
			AccountIDs: sel.AccountIDs,
		})
	}

	root := &post.Post{
		AuthorID:   body.AuthorID,
		Content:    body.Content,
		Status:     post.StatusDraft,
		Selections: selections,
	}
	ctx := c.Context()
	if err := s.store.CreatePost(ctx, root); err != nil {
		return err
	}
	for i, segment := range body.Thread {
		child := &post.Post{
			AuthorID:       body.AuthorID,
			Content:        segment,
			Status:         post.StatusDraft,
			ThreadParentID: &root.ID,
			ThreadIndex:    i + 1,
		}
		if err := s.store.CreatePost(ctx, child); err != nil {
			return err
		}
	}
	return c.Status(fiber.StatusCreated).JSON(postView(root, nil))
}

func (s *Server) getPost(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}
	p, children, err := s.store.LoadPostWithThread(c.Context(), int64(id))
	if err != nil {
		return err
	}
	return c.JSON(postView(p, children))
}

type publishBody struct {
	// Stagger is a Go duration string; "default" selects the configured
	// interval.
	Stagger string `json:"stagger,omitempty"`
}

func (s *Server) stagger(raw string) (time.Duration, error) {
	switch raw {
	case "":
		return 0, nil
	case "default":
		return s.cfg.DefaultStagger, nil
	default:
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return 0, fiber.NewError(fiber.StatusBadRequest, "invalid stagger")
		}
		return d, nil
	}
}

func (s *Server) publishPost(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}
	var body publishBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
	}
	stagger, err := s.stagger(body.Stagger)
	if err != nil {
		return err
	}
	if err := s.orch.PublishNow(c.Context(), int64(id), stagger); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "accepted"})
}

type scheduleBody struct {
	At      time.Time `json:"at"`
	Stagger string    `json:"stagger,omitempty"`
}

func (s *Server) schedulePost(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}
	var body scheduleBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if body.At.IsZero() {
		return fiber.NewError(fiber.StatusBadRequest, "at is required")
	}
	stagger, err := s.stagger(body.Stagger)
	if err != nil {
		return err
	}
	if err := s.orch.Schedule(c.Context(), int64(id), body.At, stagger); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "scheduled", "at": body.At})
}

func (s *Server) retryPost(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}
	if err := s.orch.RetryFailed(c.Context(), int64(id)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "accepted"})
}

type createAccountBody struct {
	UserID      int64             `json:"user_id"`
	Platform    string            `json:"platform"`
	Credentials map[string]string `json:"credentials"`
}

func (s *Server) createAccount(c *fiber.Ctx) error {
	var body createAccountBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	id := platform.ID(body.Platform)
	if _, err := platform.LimitFor(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	acct := &platform.Account{
		UserID:      body.UserID,
		Platform:    id,
		Credentials: body.Credentials,
		IsActive:    true,
	}
	if err := s.store.SaveAccount(c.Context(), acct); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": acct.ID, "platform": string(id)})
}

type splitRequestBody struct {
	Content    string   `json:"content"`
	Platforms  []string `json:"platforms"`
	Strategies []string `json:"strategies"`
}

func (s *Server) splitContent(c *fiber.Ctx) error {
	var body splitRequestBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if body.Content == "" {
		return fiber.NewError(fiber.StatusBadRequest, "content is required")
	}
	if len(body.Platforms) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "platforms are required")
	}

	limits := make(map[platform.ID]int, len(body.Platforms))
	for _, raw := range body.Platforms {
		id := platform.ID(raw)
		limit, err := platform.LimitFor(id)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		limits[id] = limit
	}
	tags := make([]splitter.StrategyTag, 0, len(body.Strategies))
	for _, raw := range body.Strategies {
		tags = append(tags, splitter.StrategyTag(raw))
	}

	results, err := s.split.Split(c.Context(), body.Content, limits, tags)
	if err != nil {
		var moe *splitter.ModelOutputError
		if errors.As(err, &moe) {
			return fiber.NewError(fiber.StatusBadGateway, moe.Error())
		}
		return err
	}

	out := make(map[string]splitter.SplitResult, len(results))
	for id, res := range results {
		out[string(id)] = res
	}
	return c.JSON(fiber.Map{"results": out})
}

type selectionView struct {
	Platform    string     `json:"platform"`
	Position    int        `json:"position"`
	Selected    bool       `json:"selected"`
	AccountIDs  []int64    `json:"account_ids"`
	Status      string     `json:"status"`
	ExternalID  string     `json:"external_id,omitempty"`
	ExternalURL string     `json:"external_url,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type threadView struct {
	ID      int64  `json:"id"`
	Index   int    `json:"index"`
	Content string `json:"content"`
}

type postViewBody struct {
	ID         int64           `json:"id"`
	AuthorID   int64           `json:"author_id"`
	Content    string          `json:"content"`
	Status     string          `json:"status"`
	Selections []selectionView `json:"selections"`
	Thread     []threadView    `json:"thread,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func postView(p *post.Post, children []*post.Post) postViewBody {
	view := postViewBody{
		ID:        p.ID,
		AuthorID:  p.AuthorID,
		Content:   p.Content,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	for _, sel := range p.Selections {
		view.Selections = append(view.Selections, selectionView{
			Platform:    string(sel.PlatformID),
			Position:    sel.Position,
			Selected:    sel.IsSelected,
			AccountIDs:  sel.AccountIDs,
			Status:      string(sel.Status),
			ExternalID:  sel.ExternalID,
			ExternalURL: sel.ExternalURL,
			ScheduledAt: sel.ScheduledAt,
			Error:       sel.Error,
		})
	}
	for _, child := range children {
		view.Thread = append(view.Thread, threadView{ID: child.ID, Index: child.ThreadIndex, Content: child.Content})
	}
	return view
}
