package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	apiTypes "github.com/reaje/whatsapp-microservice/pkg/api"
)

const (
	defaultPairTimeout = 3 * time.Minute
	pairPollInterval   = 2 * time.Second
)

var (
	pairServer   string
	pairTenant   string
	pairPhone    string
	pairProvider string
	pairTimeout  time.Duration
)

// pairClient talks to the session endpoints of a running server.
type pairClient struct {
	base   string
	tenant string
	http   *http.Client
}

func (c *pairClient) sessionsURL() string {
	return c.base + "/api/v1/tenants/" + url.PathEscape(c.tenant) + "/sessions"
}

func (c *pairClient) create(ctx context.Context, phone, kind string) (apiTypes.SessionResponse, error) {
	body, err := json.Marshal(apiTypes.SessionRequest{PhoneNumber: phone, Provider: kind})
	if err != nil {
		return apiTypes.SessionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionsURL(), bytes.NewReader(body))
	if err != nil {
		return apiTypes.SessionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doSession(req)
}

func (c *pairClient) status(ctx context.Context, phone string) (apiTypes.SessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionsURL()+"/"+url.PathEscape(phone), nil)
	if err != nil {
		return apiTypes.SessionResponse{}, err
	}
	return c.doSession(req)
}

func (c *pairClient) doSession(req *http.Request) (apiTypes.SessionResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return apiTypes.SessionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiTypes.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return apiTypes.SessionResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return apiTypes.SessionResponse{}, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var out apiTypes.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiTypes.SessionResponse{}, fmt.Errorf("decode session: %w", err)
	}
	return out, nil
}

// pairLoop polls the session, rendering each new challenge, until it is
// connected or can no longer connect.
func pairLoop(ctx context.Context, c *pairClient, phone string, snap apiTypes.SessionResponse, render func(string), interval time.Duration) (apiTypes.SessionResponse, error) {
	shown := ""
	for {
		switch snap.State {
		case apiTypes.SessionStateConnected:
			return snap, nil
		case apiTypes.SessionStateTerminated:
			return snap, fmt.Errorf("session terminated: %s", snap.LastError)
		case apiTypes.SessionStatePairingRequired:
			if snap.PairingChallenge != "" && snap.PairingChallenge != shown {
				shown = snap.PairingChallenge
				render(shown)
			}
		}

		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("session still %s: %w", snap.State, ctx.Err())
		case <-time.After(interval):
		}

		next, err := c.status(ctx, phone)
		if err != nil {
			return snap, err
		}
		snap = next
	}
}

func runPair(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), pairTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	c := &pairClient{
		base:   strings.TrimRight(pairServer, "/"),
		tenant: pairTenant,
		http:   &http.Client{Timeout: 30 * time.Second},
	}

	snap, err := c.create(ctx, pairPhone, pairProvider)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s/%s via %s: %s\n", snap.TenantID, snap.PhoneNumber, snap.Provider, snap.State)

	render := func(code string) {
		fmt.Fprintln(out, "Scan this code with WhatsApp > Linked devices:")
		qrterminal.GenerateHalfBlock(code, qrterminal.L, out)
	}
	snap, err = pairLoop(ctx, c, snap.PhoneNumber, snap, render, pairPollInterval)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "connected as %s\n", snap.DeviceID)
	return nil
}
