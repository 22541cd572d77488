// Package iceconfig resolves the ICE (STUN/TURN) server list used to build a
// peer connection. Sources may answer immediately or after a network fetch;
// callers always treat them as asynchronous.
package iceconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Source yields the ICE servers for one call attempt.
type Source interface {
	ICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// DefaultSTUN is used when nothing else is configured.
var DefaultSTUN = Static{{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}}}

// Static is a fixed server list.
type Static []webrtc.ICEServer

func (s Static) ICEServers(context.Context) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(s))
	copy(out, s)
	return out, nil
}

// entry is one server in the host-provided formats. urls may be a single
// string or a list, as in the browser RTCIceServer dictionary.
type entry struct {
	URLs       urlList `json:"urls" yaml:"urls"`
	Username   string  `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string  `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings")
	}
	*u = many
	return nil
}

func (u *urlList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*u = urlList{node.Value}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings")
	}
	*u = many
	return nil
}

func toServers(entries []entry) (Static, error) {
	out := make(Static, 0, len(entries))
	for i, e := range entries {
		if len(e.URLs) == 0 {
			return nil, fmt.Errorf("ice server %d: no urls", i)
		}
		srv := webrtc.ICEServer{URLs: []string(e.URLs), Username: e.Username}
		if e.Credential != "" {
			srv.Credential = e.Credential
		}
		out = append(out, srv)
	}
	return out, nil
}

// ParseJSON parses the JSON string form a host hands out, e.g.
//
//	[{"urls":"turn:turn.example.org:3478","username":"u","credential":"p"}]
func ParseJSON(data string) (Static, error) {
	var entries []entry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("parse ice servers: %w", err)
	}
	return toServers(entries)
}

// fileFormat is the YAML layout accepted by LoadFile.
type fileFormat struct {
	ICEServers []entry `yaml:"iceServers"`
}

// LoadFile reads a YAML file with a top-level iceServers list.
func LoadFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return toServers(f.ICEServers)
}

// HTTP fetches the JSON form from URL on every call, so short-lived TURN
// credentials stay fresh.
type HTTP struct {
	URL    string
	Client *http.Client
}

// ErrEmpty is returned when a fetched list has no servers.
var ErrEmpty = errors.New("iceconfig: empty server list")

func (h HTTP) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}

	servers, err := ParseJSON(string(body))
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, ErrEmpty
	}
	return servers, nil
}

// FromURLs builds a Static list with one server per URL.
func FromURLs(urls []string) Static {
	out := make(Static, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
