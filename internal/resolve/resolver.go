// Package resolve turns an identity code into a connectable room: the room id,
// the stream auth token, and the event-server host list.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"magicaldanmaku/session/internal/endpoint"
	"magicaldanmaku/session/internal/logging"
)

// ErrLookupCancelled is returned by Resolve when its context is cancelled or
// expires before the directory answers.
var ErrLookupCancelled = errors.New("resolve: lookup cancelled")

// RoomInfo is the resolved connection target for one room.
type RoomInfo struct {
	RoomID    string
	Token     string
	Endpoints []endpoint.Endpoint
}

// Resolver queries the room directory service.
type Resolver struct {
	client *http.Client
	base   string
	logger *logging.Logger
}

// NewResolver wires an HTTP client to the directory endpoint.
func NewResolver(base string, client *http.Client, logger *logging.Logger) (*Resolver, error) {
	if strings.TrimSpace(base) == "" {
		return nil, errors.New("resolver base URL must not be empty")
	}
	//1.- Reuse the provided client when available so callers can inject transport tweaks.
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Resolver{client: client, base: strings.TrimRight(base, "/"), logger: logger}, nil
}

// wireInfo mirrors the directory's response envelope.
type wireInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		RoomID   json.Number `json:"room_id"`
		Token    string      `json:"token"`
		HostList []struct {
			Host    string `json:"host"`
			WSSPort int    `json:"wss_port"`
			WSPort  int    `json:"ws_port"`
		} `json:"host_list"`
	} `json:"data"`
}

// Resolve performs a synchronous lookup of the identity code. The context
// bounds the whole HTTP exchange.
func (r *Resolver) Resolve(ctx context.Context, code string) (*RoomInfo, error) {
	if r == nil {
		return nil, errors.New("resolver is nil")
	}
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("identity code must not be empty")
	}

	target := fmt.Sprintf("%s/room_info?code=%s", r.base, url.QueryEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrLookupCancelled
		}
		return nil, fmt.Errorf("send lookup request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("directory responded with status %s", resp.Status)
	}

	var decoded wireInfo
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Code != 0 {
		return nil, fmt.Errorf("directory rejected code: %s", decoded.Message)
	}
	roomID := decoded.Data.RoomID.String()
	if roomID == "" || roomID == "0" {
		return nil, errors.New("directory returned no room id")
	}

	info := &RoomInfo{RoomID: roomID, Token: decoded.Data.Token}
	for _, host := range decoded.Data.HostList {
		switch {
		case host.WSSPort > 0:
			info.Endpoints = append(info.Endpoints, endpoint.Endpoint{Host: host.Host, Port: host.WSSPort, WSS: true})
		case host.WSPort > 0:
			info.Endpoints = append(info.Endpoints, endpoint.Endpoint{Host: host.Host, Port: host.WSPort})
		}
	}
	return info, nil
}

// ResolveAsync runs the lookup on its own goroutine. The callback fires
// exactly once with the outcome unless the context is cancelled first, in
// which case it never fires at all.
func (r *Resolver) ResolveAsync(ctx context.Context, code string, done func(*RoomInfo, error)) {
	if r == nil || done == nil {
		return
	}
	go func() {
		info, err := r.Resolve(ctx, code)
		select {
		case <-ctx.Done():
			//1.- The caller moved on; swallow the result instead of delivering it.
			r.logger.Debug("identity lookup abandoned", logging.String("code", code))
		default:
			done(info, err)
		}
	}()
}
