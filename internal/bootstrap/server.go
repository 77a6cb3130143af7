package bootstrap

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

// Server exposes a Store as the rendezvous gRPC service.
type Server struct {
	listenAddr string
	store      Store
	server     *grpc.Server
	wg         sync.WaitGroup
}

// NewServer creates a server for store. listenAddr is used by Start.
func NewServer(listenAddr string, store Store) *Server {
	s := &Server{
		listenAddr: listenAddr,
		store:      store,
		server:     grpc.NewServer(),
	}
	s.server.RegisterService(&rendezvousServiceDesc, newService(store))
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info().Str("addr", listener.Addr().String()).Msg("Starting rendezvous gRPC server")
	s.Serve(listener)
	return nil
}

// Serve serves on an existing listener in the background.
func (s *Server) Serve(listener net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()
}

// Stop drains in-flight RPCs and closes the store.
func (s *Server) Stop() {
	s.server.GracefulStop()
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close rendezvous store")
	}
	log.Info().Msg("Rendezvous server stopped")
}

// Run serves until SIGINT or SIGTERM.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	s.Stop()
	return nil
}
