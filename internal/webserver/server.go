// Package webserver exposes the feeder over HTTP: status, manual feed and
// stop, schedule edits, history and a websocket stream of run events.
package webserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/scheduler"
	"github.com/mpataki/feeder/internal/session"
)

//go:embed static
var staticFS embed.FS

// History is the read side of feed storage.
type History interface {
	ListFeeds(limit int) ([]*models.FeedRecord, error)
	LastFeed() (*models.FeedRecord, error)
}

// Options configures web server behavior.
type Options struct {
	Host string
	Port int
	// DefaultPlan fills fields a feed request leaves out.
	DefaultPlan models.CyclePlan
}

// Server hosts the HTTP API and the event stream.
type Server struct {
	session     *session.Session
	scheduler   *scheduler.Scheduler
	history     History
	defaultPlan models.CyclePlan

	httpServer *http.Server
	host       string
	port       int
}

func New(sess *session.Session, sched *scheduler.Scheduler, history History, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}

	port := opts.Port
	if port < 0 {
		port = 8080
	}

	srv := &Server{
		session:     sess,
		scheduler:   sched,
		history:     history,
		defaultPlan: opts.DefaultPlan,
		host:        host,
		port:        port,
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("POST /api/feed", srv.handleFeed)
	mux.HandleFunc("POST /api/stop", srv.handleStop)
	mux.HandleFunc("GET /api/schedule", srv.handleGetSchedule)
	mux.HandleFunc("PATCH /api/schedule", srv.handleUpdateSchedule)
	mux.HandleFunc("GET /api/history", srv.handleHistory)
	mux.HandleFunc("GET /api/events", srv.handleEventsWebSocket)

	mux.HandleFunc("/api/{rest...}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	// Control page
	mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "failed to load index", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	})
}

// Handler returns the root handler, middleware included.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

// Start listens and serves in a background goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("webserver", "server stopped with error", "error", err)
		}
	}()
	return nil
}

func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

func (srv *Server) Port() int {
	return srv.port
}

// URL is the address clients on the LAN should use. A wildcard bind is
// replaced by the first non-loopback IPv4 address.
func (srv *Server) URL() string {
	host := srv.host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = outboundIP()
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(srv.port)))
}

func outboundIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
