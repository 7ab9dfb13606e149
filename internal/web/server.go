// Package web serves the graph store and the chat controller over a JSON
// API, and streams their updates to websocket clients.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/agentflow/internal/chat"
	"github.com/mtzanidakis/agentflow/internal/config"
	"github.com/mtzanidakis/agentflow/internal/flow"
	"github.com/mtzanidakis/agentflow/internal/natsbus"
	"github.com/mtzanidakis/agentflow/internal/store"
	"github.com/nats-io/nats.go"
)

type Server struct {
	graph     *flow.Store
	chat      *chat.Controller
	archive   *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

// NewServer wires the API to its backends. archive and bus may be nil.
func NewServer(graph *flow.Store, ctl *chat.Controller, archive *store.Store, bus *natsbus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		graph:     graph,
		chat:      ctl,
		archive:   archive,
		bus:       bus,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the routes without starting the event pumps.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(ctx); err != nil {
		return err
	}
	go s.archiveAgents(ctx)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		server.Close()
		if s.nats != nil {
			s.nats.Close()
		}
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// subscribeEvents feeds the websocket hub. With a bus, store and chat
// events go out on NATS and come back through an events.> subscription,
// so other bus clients see the same stream. Without one they go straight
// to the hub.
func (s *Server) subscribeEvents(ctx context.Context) error {
	graphEvents, _ := s.graph.Subscribe(ctx)
	chatEvents, _ := s.chat.Subscribe(ctx)

	if s.bus == nil {
		go pump(ctx, graphEvents, s.hub, func(e flow.Event) Event {
			return Event{Type: e.Type, Reason: e.Reason, State: e.State}
		})
		go pump(ctx, chatEvents, s.hub, func(e chat.Event) Event {
			return Event{Type: e.Type, Reason: e.Reason, State: e.State}
		})
		return nil
	}

	client, err := natsbus.NewClient(s.bus.ClientURL())
	if err != nil {
		return fmt.Errorf("web server nats client: %w", err)
	}
	s.nats = client

	_, err = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	go natsbus.Forward(ctx, client, graphEvents, func(flow.Event) string {
		return natsbus.TopicEventsGraph
	})
	go natsbus.Forward(ctx, client, chatEvents, func(e chat.Event) string {
		if e.State.Agent == nil {
			return natsbus.TopicEventsChat(0)
		}
		return natsbus.TopicEventsChat(e.State.Agent.ID)
	})
	return nil
}

func pump[T any](ctx context.Context, ch <-chan T, hub *Hub, convert func(T) Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			hub.Broadcast(convert(v))
		}
	}
}

// archiveAgents keeps the local agent name table in step with every
// successful registry fetch.
func (s *Server) archiveAgents(ctx context.Context) {
	if s.archive == nil {
		return
	}
	events, cancel := s.graph.Subscribe(ctx)
	defer cancel()

	for ev := range events {
		if ev.Reason != "fetch_agents" || ev.State.Loading || ev.State.Error != "" {
			continue
		}
		if err := s.archive.SaveAgents(ev.State.Agents); err != nil {
			slog.Warn("archive agents failed", "error", err)
		}
	}
}
