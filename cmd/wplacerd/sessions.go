package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/bus"
	"github.com/AchmadFathoni/wplacer/internal/control"
	"github.com/AchmadFathoni/wplacer/internal/reload"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// page sessions connect from the site origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sessionMessage is everything a page session may send us.
type sessionMessage struct {
	Type string `json:"type"`

	// refreshAck
	ID string `json:"id"`

	// token
	T      string `json:"t"`
	FP     string `json:"fp"`
	Colors []int  `json:"colors"`

	// focus
	Focused bool `json:"focused"`

	// user
	Cookies        map[string]string `json:"cookies"`
	ExpirationDate int64             `json:"expirationDate"`
}

// sessionServer registers page contexts and routes their messages:
// refresh acks to the reload transport, challenge tokens and focus
// changes to the bus and registry, harvested cookies to the control
// server.
type sessionServer struct {
	registry *reload.Registry
	bus      *bus.Bus
	control  *control.Client
	log      *zap.Logger
}

func (s *sessionServer) handle(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		http.Error(w, "url query parameter required", http.StatusBadRequest)
		return
	}
	focused, _ := strconv.ParseBool(r.URL.Query().Get("focused"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("session upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	transport := reload.NewWSTransport(conn, s.log)
	s.registry.Add(&reload.Session{
		ID:        id,
		URL:       pageURL,
		Focused:   focused,
		Transport: transport,
	})
	s.log.Info("page session connected",
		zap.String("session", id), zap.String("url", pageURL))

	go s.readLoop(id, conn, transport)
}

func (s *sessionServer) readLoop(id string, conn *websocket.Conn, transport *reload.WSTransport) {
	defer func() {
		s.registry.Remove(id)
		conn.Close()
		s.log.Info("page session gone", zap.String("session", id))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg sessionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("undecodable session message",
				zap.String("session", id), zap.Error(err))
			continue
		}

		switch msg.Type {
		case "refreshAck":
			transport.HandleAck(msg.ID)
		case "token":
			s.bus.Publish(bus.ChallengeToken{
				Token:  msg.T,
				FP:     msg.FP,
				Colors: msg.Colors,
			})
		case "focus":
			s.registry.SetFocused(id, msg.Focused)
		case "user":
			go s.relayUser(msg)
		default:
			s.log.Debug("unknown session message type",
				zap.String("session", id), zap.String("type", msg.Type))
		}
	}
}

func (s *sessionServer) relayUser(msg sessionMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name, err := s.control.SubmitUser(ctx, control.UserUpload{
		Cookies:        msg.Cookies,
		ExpirationDate: msg.ExpirationDate,
	})
	if err != nil {
		s.log.Warn("user relay failed", zap.Error(err))
		return
	}
	s.log.Info("user relayed", zap.String("name", name))
}
