package directory

import (
	"context"
	"strings"

	"github.com/dreamware/padint/internal/cluster"
	"github.com/dreamware/padint/internal/server"
)

// Client talks to the master over HTTP. It implements server.Directory.
type Client struct {
	master string
}

var _ server.Directory = (*Client)(nil)

// NewClient returns a client for the master at masterAddr.
func NewClient(masterAddr string) *Client {
	return &Client{master: strings.TrimRight(masterAddr, "/")}
}

// Register announces addr. A negative id asks the master for a new ID.
func (c *Client) Register(ctx context.Context, id int, addr string) (server.Registration, error) {
	req := cluster.RegisterRequest{Addr: addr}
	if id >= 0 {
		req.ID = &id
	}
	var resp cluster.RegisterResponse
	err := cluster.PostJSON(ctx, c.master+cluster.PathRegister, req, &resp)
	return resp, err
}

// ServersInfo returns the capacity table and, when asked, the address table.
func (c *Client) ServersInfo(ctx context.Context, wantAddresses bool) (server.Servers, error) {
	url := c.master + cluster.PathServers
	if wantAddresses {
		url += "?addresses=true"
	}
	var resp cluster.ServersResponse
	err := cluster.GetJSON(ctx, url, &resp)
	return resp, err
}

// SetCapacity reports a new capacity bound for server id.
func (c *Client) SetCapacity(ctx context.Context, id, capacity int) error {
	return cluster.PostJSON(ctx, c.master+cluster.PathCapacity,
		cluster.CapacityRequest{ID: id, Capacity: capacity}, nil)
}
