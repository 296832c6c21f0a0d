// Package devtools talks to a browser's remote-debugging endpoint: it
// checks that the endpoint is reachable and reads the browser's identity.
package devtools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/richpresence/browserd/internal/browser"
)

// maxVersionBody caps how much of /json/version is read.
const maxVersionBody = 64 << 10

// VersionInfo is the identity reported by a DevTools endpoint.
type VersionInfo struct {
	Product         string `json:"product"`
	ProtocolVersion string `json:"protocolVersion"`
	Revision        string `json:"revision,omitempty"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion,omitempty"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
}

// Descriptor converts a product string such as "Chrome/120.0.6099.109"
// into a browser descriptor.
func (v VersionInfo) Descriptor() browser.Descriptor {
	name, version, _ := strings.Cut(v.Product, "/")
	name = strings.TrimPrefix(name, "Headless")
	return browser.Descriptor{Name: name, Version: version}
}

type Client struct {
	http         *http.Client
	dialer       *websocket.Dialer
	probeTimeout time.Duration
	log          logrus.FieldLogger
}

func NewClient(probeTimeout time.Duration, log logrus.FieldLogger) *Client {
	return &Client{
		http: &http.Client{
			// Never reuse a connection to a browser that may be restarting.
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: probeTimeout * 4,
		},
		probeTimeout: probeTimeout,
		log:          log.WithField("component", "devtools"),
	}
}

// Probe makes one bounded TCP connection attempt. It never returns an
// error: anything other than a completed connect is false.
func (c *Client) Probe(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), c.probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Attach reads the endpoint's identity within timeout. Errors are
// *AttachError values, except for cancellation of ctx which is returned
// as is.
func (c *Client) Attach(ctx context.Context, host string, port int, timeout time.Duration) (browser.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := c.Version(ctx, host, port)
	if err != nil {
		return browser.Descriptor{}, err
	}
	desc := info.Descriptor()
	if desc.Name == "" {
		return browser.Descriptor{}, mismatch(endpoint(host, port), "empty product %q", info.Product)
	}
	c.log.WithFields(logrus.Fields{
		"browser": desc.Name,
		"version": desc.Version,
		"port":    port,
	}).Debug("attached to devtools endpoint")
	return desc, nil
}

// Version fetches /json/version and confirms it over the browser
// WebSocket with Browser.getVersion.
func (c *Client) Version(ctx context.Context, host string, port int) (VersionInfo, error) {
	ep := endpoint(host, port)

	info, err := c.jsonVersion(ctx, host, port)
	if err != nil {
		return VersionInfo{}, err
	}

	ws, resp, err := c.dialer.DialContext(ctx, info.WebSocketURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return VersionInfo{}, mismatch(ep, "websocket handshake: %s", resp.Status)
		}
		return VersionInfo{}, classify(ctx, ep, err)
	}
	conn := newConn(ws, c.log)
	defer conn.Close()

	protocol, product, revision, userAgent, jsVersion, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, conn))
	if err != nil {
		if ctx.Err() != nil {
			return VersionInfo{}, classify(ctx, ep, ctx.Err())
		}
		var cdpErr *cdproto.Error
		if errors.As(err, &cdpErr) || errors.Is(err, errBadReply) {
			return VersionInfo{}, mismatch(ep, "Browser.getVersion: %v", err)
		}
		return VersionInfo{}, classify(ctx, ep, err)
	}
	if product != "" {
		info.Product = product
	}
	info.ProtocolVersion = protocol
	info.Revision = revision
	info.UserAgent = userAgent
	info.JSVersion = jsVersion
	return info, nil
}

func (c *Client) jsonVersion(ctx context.Context, host string, port int) (VersionInfo, error) {
	ep := endpoint(host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ep+"/json/version", nil)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return VersionInfo{}, classify(ctx, ep, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVersionBody))
	if err != nil {
		return VersionInfo{}, classify(ctx, ep, err)
	}
	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, mismatch(ep, "GET /json/version: %s", resp.Status)
	}
	if !gjson.ValidBytes(body) {
		return VersionInfo{}, mismatch(ep, "GET /json/version: response is not JSON")
	}

	res := gjson.GetManyBytes(body, "Browser", "Protocol-Version", "User-Agent", "V8-Version", "webSocketDebuggerUrl")
	info := VersionInfo{
		Product:         res[0].String(),
		ProtocolVersion: res[1].String(),
		UserAgent:       res[2].String(),
		JSVersion:       res[3].String(),
	}
	if info.Product == "" || !res[4].Exists() {
		return VersionInfo{}, mismatch(ep, "GET /json/version: missing Browser or webSocketDebuggerUrl")
	}
	wsURL, err := rewriteHost(res[4].String(), ep)
	if err != nil {
		return VersionInfo{}, mismatch(ep, "bad webSocketDebuggerUrl: %v", err)
	}
	info.WebSocketURL = wsURL
	return info, nil
}

// rewriteHost points the advertised WebSocket URL at the address we
// actually reached; browsers bound to 0.0.0.0 advertise unusable hosts.
func rewriteHost(raw, hostPort string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unexpected scheme %q", u.Scheme)
	}
	u.Host = hostPort
	return u.String(), nil
}

func endpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
