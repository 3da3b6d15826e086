package relay

import (
	"net/http"
	"strconv"

	prom "github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	slogecho "github.com/samber/slog-echo"

	otelecho "go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/gorilla/websocket"
)

// wsUpgrader accepts connections from any origin: subscribeRepos is a federation-facing
// protocol endpoint consumed by other servers, not browser clients guarding a session cookie.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the relay's public XRPC surface: the subscribeRepos firehose websocket and
// requestCrawl, the two endpoints a downstream consumer and an upstream PDS respectively need,
// per spec §4.4/§4.7 and rsky-relay/src/server.rs's route table, plus listHosts (which returns
// a snapshot of the crawler's backfill worklist) and a _health check.
type Server struct {
	relay *Relay
	echo  *echo.Echo
}

// NewServer builds the echo app and registers routes. Call Start to listen.
func NewServer(r *Relay) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(slogecho.New(r.Logger))
	e.Use(otelecho.Middleware("relay"))

	p := prom.NewPrometheus("relay_http", nil)
	p.Use(e)

	s := &Server{relay: r, echo: e}

	e.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	e.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)
	e.GET("/xrpc/com.atproto.sync.listHosts", s.handleListHosts)
	e.GET("/xrpc/_health", s.handleHealth)

	return s
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) handleSubscribeRepos(c echo.Context) error {
	var cursor int64
	if raw := c.QueryParam("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, xrpcError("InvalidRequest", "cursor must be an integer"))
		}
		cursor = v
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	return s.relay.Publisher.Subscribe(c.Request().Context(), conn, cursor)
}

type requestCrawlBody struct {
	Hostname string `json:"hostname"`
}

func (s *Server) handleRequestCrawl(c echo.Context) error {
	var body requestCrawlBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, xrpcError("InvalidRequest", "malformed body"))
	}
	if body.Hostname == "" {
		return c.JSON(http.StatusBadRequest, xrpcError("InvalidRequest", "hostname is required"))
	}
	if err := s.relay.Slurper.RequestCrawl(c.Request().Context(), body.Hostname); err != nil {
		return c.JSON(http.StatusBadRequest, xrpcError("RequestCrawlFailed", err.Error()))
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleListHosts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.relay.Slurper.Backfill.Snapshot())
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.relay.Healthcheck(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, xrpcError("Unhealthy", err.Error()))
	}
	return c.NoContent(http.StatusOK)
}

func xrpcError(name, message string) map[string]string {
	return map[string]string{"error": name, "message": message}
}
