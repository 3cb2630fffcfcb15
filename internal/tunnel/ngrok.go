// Package tunnel exposes the local webhook server on a public ngrok URL.
package tunnel

import (
	"context"
	"fmt"
	"net"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// Ngrok opens an HTTPS endpoint that forwards to the caller's listener.
type Ngrok struct {
	authToken string
	domain    string
}

// NewNgrok returns an ngrok opener. domain may be empty for a random URL.
func NewNgrok(authToken, domain string) (*Ngrok, error) {
	if authToken == "" {
		return nil, fmt.Errorf("ngrok authtoken is required")
	}
	return &Ngrok{authToken: authToken, domain: domain}, nil
}

// Open starts the tunnel. The returned listener accepts public connections;
// closing it tears the tunnel down.
func (n *Ngrok) Open(ctx context.Context) (net.Listener, string, error) {
	var opts []config.HTTPEndpointOption
	if n.domain != "" {
		opts = append(opts, config.WithDomain(n.domain))
	}

	tun, err := ngrok.Listen(ctx, config.HTTPEndpoint(opts...), ngrok.WithAuthtoken(n.authToken))
	if err != nil {
		return nil, "", fmt.Errorf("open ngrok tunnel: %w", err)
	}
	return tun, tun.URL(), nil
}
