// Package torcontrol implements the control-channel client: connecting to
// the anonymous-network daemon's control port, authenticating, subscribing
// to descriptor events, and issuing fetch/post/NEWNYM/version commands.
//
// It is built on github.com/cretz/bine/control, the same third-party
// control-protocol library the teacher uses to drive a Tor process, used
// here in its lower-level form to speak directly to an already-running
// daemon's control port rather than to launch one.
package torcontrol

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cretz/bine/control"
	"github.com/opd-ai/onionbalance-manager/internal/obserr"
	"github.com/opd-ai/onionbalance-manager/internal/obslog"
)

// minHSPostVersion is the lowest Tor version string known to support the
// HSPOST (post-descriptor) control command, per spec.md §4.1's connect-time
// capability check.
const minHSPostVersion = "0.2.4.18"

// EventKind enumerates the descriptor-related event kinds this client cares about.
type EventKind string

const (
	EventDescriptorStateChange EventKind = "HS_DESC"
	EventDescriptorContent     EventKind = "HS_DESC_CONTENT"
)

// DescriptorEvent is a decoded descriptor-related control event.
type DescriptorEvent struct {
	Kind        EventKind
	OnionAddr   string
	Action      string // for HS_DESC: UPLOAD, RECEIVED, FAILED, ...
	Body        string // for HS_DESC_CONTENT: the raw descriptor text
}

// Client is the control-channel client.
type Client struct {
	conn *control.Conn
	log  *obslog.Logger

	events chan *control.Response
}

// Connect dials the control port at address and returns an unauthenticated Client.
func Connect(address string, log *obslog.Logger) (*Client, error) {
	netConn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, obserr.ControlUnreachable(fmt.Sprintf("dialing control port %s", address), err)
	}
	c := &Client{
		conn: control.NewConn(netConn),
		log:  log,
	}
	return c, nil
}

// Authenticate authenticates using a password (empty string for cookie/none
// authentication, which bine's Authenticate negotiates automatically based
// on the daemon's advertised PROTOCOLINFO methods).
func (c *Client) Authenticate(password string) error {
	if err := c.conn.Authenticate(password); err != nil {
		return obserr.ControlAuthFailed("authenticating to control port", err)
	}
	return nil
}

// CheckVersion verifies the daemon's version supports HSPOST, failing
// fatally per spec.md §4.1 if it does not.
func (c *Client) CheckVersion() (string, error) {
	resp, err := c.conn.SendRequest("GETINFO version")
	if err != nil {
		return "", obserr.ControlUnreachable("requesting daemon version", err)
	}
	version := parseVersionReply(resp)
	if version == "" {
		return "", obserr.ControlVersionTooOld("could not determine daemon version")
	}
	if compareVersions(version, minHSPostVersion) < 0 {
		return version, obserr.ControlVersionTooOld(fmt.Sprintf("daemon version %s predates post-descriptor support (need >= %s)", version, minHSPostVersion))
	}
	return version, nil
}

func parseVersionReply(resp *control.Response) string {
	for _, line := range resp.Data {
		if strings.HasPrefix(line, "version=") {
			v := strings.TrimPrefix(line, "version=")
			// Strip any trailing " (git-...)" build metadata.
			if idx := strings.IndexByte(v, ' '); idx >= 0 {
				v = v[:idx]
			}
			return v
		}
	}
	return ""
}

// compareVersions does a simple dotted-numeric version comparison, returning
// -1, 0, or 1. Non-numeric components compare as equal (best-effort).
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Subscribe registers for descriptor-related events. Events are delivered
// asynchronously; call Events() to obtain the decoded channel.
func (c *Client) Subscribe() error {
	c.events = make(chan *control.Response, 64)
	c.conn.AddEventListener(c.events, string(EventDescriptorStateChange), string(EventDescriptorContent))
	return nil
}

// Events returns a channel of decoded descriptor events. It must be drained
// continuously; the underlying connection blocks event delivery otherwise.
func (c *Client) Events() <-chan DescriptorEvent {
	out := make(chan DescriptorEvent)
	go func() {
		defer close(out)
		for resp := range c.events {
			if ev, ok := decodeEvent(resp); ok {
				out <- ev
			}
		}
	}()
	return out
}

func decodeEvent(resp *control.Response) (DescriptorEvent, bool) {
	if len(resp.Data) == 0 {
		return DescriptorEvent{}, false
	}
	fields := strings.Fields(resp.Data[0])
	if len(fields) < 2 {
		return DescriptorEvent{}, false
	}
	switch fields[0] {
	case string(EventDescriptorStateChange):
		ev := DescriptorEvent{Kind: EventDescriptorStateChange, Action: fields[1]}
		if len(fields) > 2 {
			ev.OnionAddr = fields[2]
		}
		return ev, true
	case string(EventDescriptorContent):
		ev := DescriptorEvent{Kind: EventDescriptorContent}
		if len(fields) > 1 {
			ev.OnionAddr = fields[1]
		}
		ev.Body = strings.Join(resp.Data[1:], "\n")
		return ev, true
	default:
		return DescriptorEvent{}, false
	}
}

// RequestDescriptor issues a fire-and-forget fetch for onionAddr; the result
// arrives later as a DescriptorEvent.
func (c *Client) RequestDescriptor(onionAddr string) error {
	_, err := c.conn.SendRequest("HSFETCH %s", onionAddr)
	if err != nil {
		return obserr.ControlChannelLost("requesting descriptor fetch", err)
	}
	return nil
}

// PostDescriptor uploads a serialized descriptor blob.
func (c *Client) PostDescriptor(blob []byte) error {
	_, err := c.conn.SendRequest("+HSPOST\r\n%s\r\n.", string(blob))
	if err != nil {
		return obserr.DescriptorPostFailed("posting descriptor", err)
	}
	return nil
}

// SignalNewIdentity issues the NEWNYM signal, instructing the daemon to
// build fresh circuits for future connections.
func (c *Client) SignalNewIdentity() error {
	_, err := c.conn.SendRequest("SIGNAL NEWNYM")
	if err != nil {
		return obserr.ControlChannelLost("signaling NEWNYM", err)
	}
	return nil
}

// Close closes the control connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
