package mcp

import (
	"context"
	"errors"

	"github.com/harun/convoy/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// Set is every configured MCP server, connected.
type Set struct {
	clients []*Client
}

// ConnectAll connects to every server. On failure the servers already
// connected are closed.
func ConnectAll(ctx context.Context, cfgs []ServerConfig, logger zerolog.Logger) (*Set, error) {
	set := &Set{}
	for _, cfg := range cfgs {
		c, err := Connect(ctx, cfg, logger)
		if err != nil {
			return nil, errors.Join(err, set.Close())
		}
		set.clients = append(set.clients, c)
	}
	return set, nil
}

// NewSet wraps already connected clients.
func NewSet(clients ...*Client) *Set {
	return &Set{clients: clients}
}

// Clients returns the connected servers.
func (s *Set) Clients() []*Client { return s.clients }

// Register adds every server's tools to reg and returns the registered names.
func (s *Set) Register(ctx context.Context, reg *toolexecutor.Registry) ([]string, error) {
	var names []string
	for _, c := range s.clients {
		registered, err := reg.RegisterSource(ctx, c)
		names = append(names, registered...)
		if err != nil {
			return names, err
		}
	}
	return names, nil
}

// Close disconnects every server.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.clients = nil
	return errors.Join(errs...)
}
