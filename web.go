package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/rs/zerolog/log"
)

//go:embed static
var staticFS embed.FS
var isDebug = os.Getenv("DEBUG") == "1"

type WebConfig struct {
	RootDir          string
	// Addr defaults to a random localhost port.
	Addr             string
	Crop             CropConfig
	Sessions         *SessionManager
	OnBeforeShutdown func()
	OnReady          func(addr string)
}

type WebApp struct {
	config       WebConfig
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewWebApp(config WebConfig) *WebApp {
	return &WebApp{
		config:     config,
		shutdownCh: make(chan struct{}),
	}
}

func (a *WebApp) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
}

type openRequest struct {
	ImageSrc string `json:"imageSrc"`
	FileName string `json:"fileName"`
}

type pointerRequest struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type zoomRequest struct {
	Zoom *float64 `json:"zoom"`
}

// apiError maps session errors onto HTTP statuses.
func apiError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotReady):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return err
	}
}

func (a *WebApp) handler(ctx context.Context) *fiber.App {
	webapp := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Ctx(ctx).Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("Request failed")
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				if fiberErr.Code == http.StatusNotFound && c.Path() == "/favicon.ico" {
					return nil
				}
				return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		},
	})

	sessions := a.config.Sessions

	filesRoot := http.Dir(a.config.RootDir)
	webapp.Get("/api/view", func(c *fiber.Ctx) error {
		filePath := c.Query("file")
		return filesystem.SendFile(c, filesRoot, filePath)
	})

	webapp.Get("/api/ls", func(c *fiber.Ctx) error {
		dir, err := walkImages(ctx, os.DirFS(a.config.RootDir), filepath.Base(a.config.RootDir))
		if err != nil {
			return fmt.Errorf("failed to walk dir: %w", err)
		}
		for i := range dir.Files {
			dir.Files[i].URL = "/api/view?file=" + url.QueryEscape(dir.Files[i].Name)
		}
		return c.JSON(dir)
	})

	webapp.Get("/api/config", func(c *fiber.Ctx) error {
		return c.JSON(a.config.Crop)
	})

	webapp.Post("/api/sessions", func(c *fiber.Ctx) error {
		var request openRequest
		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if request.ImageSrc == "" {
			return fiber.NewError(http.StatusBadRequest, "imageSrc is required")
		}
		s, err := sessions.Create(ctx, request.ImageSrc, request.FileName)
		if err != nil {
			return apiError(err)
		}
		return c.Status(http.StatusCreated).JSON(s.View())
	})

	webapp.Get("/api/sessions/:id", func(c *fiber.Ctx) error {
		s, err := sessions.Get(c.Params("id"))
		if err != nil {
			return apiError(err)
		}
		return c.JSON(s.View())
	})

	webapp.Post("/api/sessions/:id/pointer", func(c *fiber.Ctx) error {
		s, err := sessions.Get(c.Params("id"))
		if err != nil {
			return apiError(err)
		}
		var request pointerRequest
		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		switch request.Type {
		case "down":
			s.Controller.PointerDown(request.X, request.Y)
		case "move":
			s.Controller.PointerMove(request.X, request.Y)
		case "up":
			s.Controller.PointerUp()
		case "leave":
			s.Controller.PointerLeave()
		default:
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("unknown pointer event %q", request.Type))
		}
		return c.JSON(s.View())
	})

	webapp.Post("/api/sessions/:id/zoom", func(c *fiber.Ctx) error {
		s, err := sessions.Get(c.Params("id"))
		if err != nil {
			return apiError(err)
		}
		var request zoomRequest
		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if request.Zoom == nil || math.IsNaN(*request.Zoom) {
			return fiber.NewError(http.StatusBadRequest, "zoom is required")
		}
		if err := s.Controller.SetZoom(*request.Zoom); err != nil {
			return apiError(err)
		}
		return c.JSON(s.View())
	})

	webapp.Post("/api/sessions/:id/confirm", func(c *fiber.Ctx) error {
		s, err := sessions.Get(c.Params("id"))
		if err != nil {
			return apiError(err)
		}
		if err := s.Controller.Confirm(ctx); err != nil {
			return apiError(err)
		}
		return c.Status(http.StatusAccepted).JSON(s.View())
	})

	webapp.Post("/api/sessions/:id/dismiss", func(c *fiber.Ctx) error {
		s, err := sessions.Get(c.Params("id"))
		if err != nil {
			return apiError(err)
		}
		if err := s.Controller.Dismiss(); err != nil {
			return apiError(err)
		}
		return c.JSON(s.View())
	})

	webapp.Delete("/api/sessions/:id", func(c *fiber.Ctx) error {
		if err := sessions.Remove(c.Params("id")); err != nil {
			return apiError(err)
		}
		return c.SendStatus(http.StatusNoContent)
	})

	webapp.Post("/api/shutdown", func(c *fiber.Ctx) error {
		a.Shutdown()
		return nil
	})

	if isDebug {
		log.Debug().Msg("Debug mode enabled, serving static files from './static' directory")
		webapp.Static("/", "static")
	} else {
		log.Debug().Msg("Serving static files from embedded filesystem")
		webapp.Use("/", filesystem.New(filesystem.Config{
			Root:       http.FS(staticFS),
			PathPrefix: "/static",
		}))
	}

	return webapp
}

func (a *WebApp) Run(ctx context.Context) error {
	webapp := a.handler(ctx)

	webapp.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := a.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-a.shutdownCh:
		}
		if fn := a.config.OnBeforeShutdown; fn != nil {
			fn()
		}
		if err := webapp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	addr := a.config.Addr
	if addr == "" {
		// Let the OS assign a random available port
		addr = fmt.Sprintf("localhost:%d", 0)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := webapp.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
