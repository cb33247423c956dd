package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/config"
	"github.com/cloudx-io/batchauction/metrics"
)

// maxRequestSize bounds a single request; a lot creation or a bid is a few KB.
const maxRequestSize = 1 << 20

// Server accepts one JSON request per connection and answers with one JSON response.
type Server struct {
	listener    net.Listener
	service     *Service
	metrics     *metrics.Collector
	maxWorkers  int
	readTimeout time.Duration
	wg          sync.WaitGroup
}

func NewServer(l net.Listener, svc *Service, collector *metrics.Collector, maxWorkers int, readTimeout time.Duration) *Server {
	return &Server{
		listener:    l,
		service:     svc,
		metrics:     collector,
		maxWorkers:  maxWorkers,
		readTimeout: readTimeout,
	}
}

// listen opens the configured transport: vsock inside an enclave, tcp elsewhere.
func listen() (net.Listener, error) {
	switch config.GetString(config.ListenerKey) {
	case config.ListenerTCP:
		addr := config.GetString(config.TCPAddrKey)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to create tcp listener: %w", err)
		}
		log.WithField("addr", l.Addr().String()).Info("listening on tcp")
		return l, nil
	default:
		port := uint32(config.GetInt(config.VsockPortKey))
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		log.WithField("port", port).Info("listening on vsock")
		return l, nil
	}
}

// Serve accepts connections until ctx is done, then waits for in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := s.listener.Close(); err != nil {
			log.WithError(err).Error("failed to close listener")
		}
	}()

	semaphore := make(chan struct{}, s.maxWorkers)
	log.WithField("max_workers", s.maxWorkers).Info("worker pool initialized")

	defer s.wg.Wait()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Error("failed to accept connection")
			continue
		}

		// immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer func() { <-semaphore }()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			s.metrics.ConnectionRejected()
			log.Warn("no workers available, rejecting connection")
			if err := conn.Close(); err != nil {
				log.WithError(err).Error("failed to close rejected connection")
			}
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic recovered in connection handler: %v", r)
		}
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("failed to close connection")
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		log.WithError(err).Error("failed to read request")
		return
	}

	response := s.service.Handle(ctx, raw)
	if err := json.NewEncoder(conn).Encode(response); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}
