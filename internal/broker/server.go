// Package broker is the rendezvous server peers use to claim addresses and
// exchange connection negotiation messages. It never carries application
// data.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/config"
	"github.com/rudransh-shrivastava/cyrus/internal/discovery"
	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/protocol"
)

const writeWait = 5 * time.Second

type Server struct {
	cfg      config.BrokerConfig
	registry *Registry
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer
}

type peer struct {
	address   string
	sessionID string
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func (p *peer) send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func NewServer(cfg config.BrokerConfig, registry *Registry, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		log:      logger.OrDiscard(log).WithField("component", "broker"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		peers: make(map[string]*peer),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleSignal)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is done. When advertising is enabled the
// broker is announced over mDNS on the port it actually bound.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	s.log.WithField("addr", ln.Addr().String()).Info("broker listening")

	if s.cfg.Advertise {
		ad, err := discovery.Advertise(s.cfg.InstanceName, port, s.cfg.Path)
		if err != nil {
			s.log.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer ad.Stop()
			s.log.WithField("service", discovery.ServiceType).Info("advertising on the local network")
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	s.Close()
	return nil
}

// Close disconnects every peer. Hijacked WebSocket connections are not
// covered by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	n, err := s.registry.Count()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "ok %d\n", n)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("id")
	if len(address) > protocol.MaxAddressSize {
		http.Error(w, "id too long", http.StatusBadRequest)
		return
	}
	if address == "" {
		address = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("upgrade failed")
		return
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	p := &peer{address: address, sessionID: uuid.NewString(), conn: conn}
	log := s.log.WithField("address", address).WithField("remote", r.RemoteAddr)

	if err := s.registry.Claim(address, p.sessionID, r.RemoteAddr); err != nil {
		if errors.Is(err, ErrAddressTaken) {
			log.Info("address already claimed")
			_ = p.send(&protocol.Message{Type: protocol.MsgIDTaken, Dst: address})
		} else {
			log.WithError(err).Error("claim failed")
			_ = p.send(protocol.NewError(protocol.ErrInternal, "registry unavailable"))
		}
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.peers[address] = p
	s.mu.Unlock()
	defer s.drop(p)

	if err := p.send(&protocol.Message{Type: protocol.MsgOpen, Dst: address}); err != nil {
		log.WithError(err).Debug("open failed")
		return
	}
	log.Info("peer joined")

	s.serve(p, log)
}

func (s *Server) serve(p *peer, log logrus.FieldLogger) {
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout)); err != nil {
			return
		}

		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("peer connection ended")
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			_ = p.send(protocol.NewError(protocol.ErrInvalidMsg, err.Error()))
			continue
		}

		switch {
		case msg.Type == protocol.MsgHeartbeat:
			if err := s.registry.Touch(p.address, p.sessionID); err != nil {
				log.WithError(err).Warn("touch failed")
			}
			_ = p.send(msg)
		case msg.Type.Relayed():
			s.relay(p, msg)
		default:
			_ = p.send(protocol.NewError(protocol.ErrInvalidMsg, "unexpected "+msg.Type.String()))
		}
	}
}

// relay forwards msg to its destination. The sender learns about a missing
// destination through EXPIRE so its pending connection fails fast.
func (s *Server) relay(from *peer, msg *protocol.Message) {
	msg.Src = from.address

	s.mu.RLock()
	to, ok := s.peers[msg.Dst]
	s.mu.RUnlock()

	if ok {
		if err := to.send(msg); err == nil {
			return
		}
	}
	if msg.Type == protocol.MsgLeave {
		return
	}

	_ = from.send(&protocol.Message{
		Type:         protocol.MsgExpire,
		Src:          msg.Dst,
		Dst:          from.address,
		ConnectionID: msg.ConnectionID,
	})
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	if s.peers[p.address] == p {
		delete(s.peers, p.address)
	}
	s.mu.Unlock()

	if err := s.registry.Release(p.address, p.sessionID); err != nil {
		s.log.WithError(err).WithField("address", p.address).Warn("release failed")
	}
	_ = p.conn.Close()
	s.log.WithField("address", p.address).Info("peer left")
}

// Serve opens the registry named by cfg and runs a broker on it until ctx
// is done.
func Serve(ctx context.Context, cfg config.BrokerConfig, log logrus.FieldLogger) error {
	registry, err := OpenRegistry(cfg.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.OrDiscard(log).WithError(err).Warn("failed to close registry")
		}
	}()

	return NewServer(cfg, registry, log).ListenAndServe(ctx)
}
