package relay

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"vox/internal/relay/store"
)

// APIServer exposes read-only relay state and a small settings surface over
// HTTP. It runs on its own port, separate from the control plane, and is
// optional.
type APIServer struct {
	room  *Room
	store *store.Store
	echo  *echo.Echo
}

// NewAPIServer constructs the API server and registers its routes.
func NewAPIServer(room *Room, st *store.Store) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &APIServer{room: room, store: st, echo: e}
	e.GET("/health", s.handleHealth)
	e.GET("/api/room", s.handleRoom)
	e.GET("/api/settings", s.handleGetSettings)
	e.PUT("/api/settings", s.handlePutSettings)
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *APIServer) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// roomResponse is the JSON shape of the participant snapshot.
type roomResponse struct {
	Users []participantJSON `json:"users"`
}

type participantJSON struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	InVoice bool   `json:"in_voice"`
	Muted   bool   `json:"muted"`
}

func (s *APIServer) handleRoom(c echo.Context) error {
	participants := s.room.Participants(0)
	resp := roomResponse{Users: make([]participantJSON, 0, len(participants))}
	for _, p := range participants {
		resp.Users = append(resp.Users, participantJSON{
			ID:      p.UserID,
			Name:    p.Username,
			InVoice: p.InVoice,
			Muted:   p.Muted,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// settingsJSON is the read/write settings surface.
type settingsJSON struct {
	ServerName string `json:"server_name"`
	MOTD       string `json:"motd"`
}

func (s *APIServer) handleGetSettings(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no settings store configured")
	}
	var out settingsJSON
	if v, ok, err := s.store.GetSetting("server_name"); err != nil {
		return err
	} else if ok {
		out.ServerName = v
	}
	if v, ok, err := s.store.GetSetting("motd"); err != nil {
		return err
	} else if ok {
		out.MOTD = v
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIServer) handlePutSettings(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no settings store configured")
	}
	var in settingsJSON
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid settings body")
	}
	if in.ServerName != "" {
		if err := s.store.SetSetting("server_name", in.ServerName); err != nil {
			return err
		}
	}
	if in.MOTD != "" {
		if err := s.store.SetSetting("motd", in.MOTD); err != nil {
			return err
		}
	}
	return c.NoContent(http.StatusNoContent)
}
