// Package mocks provides the upstream servers spawned in debug mode
// so a development configuration has something to proxy to.
package mocks

import (
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ProxiedServer serves a fixed greeting so proxied apps can be tested
// without real back-ends.
func ProxiedServer(listener net.Listener, serverID int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello world from mock server %d!", serverID)
	})
	log.Info().Stringer("addr", listener.Addr()).Int("server_id", serverID).Msg("mock server listening")
	return http.Serve(listener, mux)
}

// Start binds a mock server on 127.0.0.1 at the given port and serves
// it on a new goroutine.
func Start(port, serverID int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("binding mock server %d: %w", serverID, err)
	}
	go func() {
		if err := ProxiedServer(listener, serverID); err != nil {
			log.Error().Err(err).Int("server_id", serverID).Msg("mock server stopped")
		}
	}()
	return nil
}
