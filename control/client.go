// Package control implements ControlClient: a single TCP connection to
// the daemon's control port, cookie authentication, and line-oriented
// command issuance with FIFO response-block correlation.
//
// The line grammar (mid "-" / data "+" / end " " reply markers) is read
// line by line with a bufio.Reader and matched against the reply markers with
// regexp, following bfix-gospel/network/tor/control.go's bufio.Reader
// read loop and voltagecloud-lnd/tor/cmd_onion.go's ADD_ONION/DEL_ONION
// command construction. Unlike that lnd source, authentication here is
// cookie-only: no SAFECOOKIE/HASHEDPASSWORD/NULL cascade.
package control

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/bfix/torsupervisor/torerr"
	"github.com/bfix/torsupervisor/torlog"
)

// State is the ControlClient's connection/auth state machine position.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Issuing
)

// Block is one complete response to a single command: zero or more
// mid-reply lines followed by a terminal reply line.
type Block struct {
	Code           int
	ServiceID      string // including the .onion suffix, if present
	PrivateKey     string
	HadPrivateKey  bool
	Lines          []string
	OK             bool
}

// Client drives the control-port line protocol.
type Client struct {
	log *torlog.Logger

	mu      sync.Mutex
	conn    net.Conn
	rdr     *bufio.Reader
	state   State
	blocks  chan Block
	readErr chan error
}

func New(log *torlog.Logger) *Client {
	return &Client{log: torlog.Or(log), state: Disconnected}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the control port and starts the response reader.
func (c *Client) Connect(addr string) error {
	c.setState(Connecting)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.setState(Disconnected)
		return torerr.New(torerr.KindSupervisor, torerr.ErrControlConnectFailed, "%v", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.rdr = bufio.NewReader(conn)
	c.blocks = make(chan Block, 64)
	c.readErr = make(chan error, 1)
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Authenticate reads the raw cookie file, hex-encodes it, and sends
// AUTHENTICATE <hex>\r\n, expecting 250 OK.
func (c *Client) Authenticate(cookiePath string) error {
	c.setState(Authenticating)
	raw, err := os.ReadFile(cookiePath)
	if err != nil {
		c.setState(Disconnected)
		return torerr.New(torerr.KindSupervisor, torerr.ErrCookieUnreadable, "%v", err)
	}
	blk, err := c.Execute("AUTHENTICATE " + hex.EncodeToString(raw))
	if err != nil {
		c.setState(Disconnected)
		return err
	}
	if !blk.OK {
		c.setState(Disconnected)
		return torerr.New(torerr.KindControl, torerr.ErrAuthRejected, "code %d", blk.Code)
	}
	c.setState(Ready)
	return nil
}

// Execute writes cmd (sans CRLF, added here) and waits for its single
// response block.
func (c *Client) Execute(cmd string) (Block, error) {
	if err := c.write(cmd); err != nil {
		return Block{}, err
	}
	return c.nextBlock()
}

// IssueBatch writes all cmds as one contiguous CRLF-joined write (per
// spec's "all commands for a batch are written once") and returns their
// response blocks read off the wire in the same FIFO order.
func (c *Client) IssueBatch(ctx context.Context, cmds []string) ([]Block, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	c.setState(Issuing)
	defer c.setState(Ready)

	var sb strings.Builder
	for _, cmd := range cmds {
		sb.WriteString(cmd)
		sb.WriteString("\r\n")
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, torerr.New(torerr.KindControl, torerr.ErrProtocolError, "not connected")
	}
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		return nil, torerr.New(torerr.KindControl, torerr.ErrProtocolError, "write: %v", err)
	}

	blocks := make([]Block, 0, len(cmds))
	for range cmds {
		select {
		case <-ctx.Done():
			return blocks, ctx.Err()
		case blk, ok := <-c.blocks:
			if !ok {
				return blocks, torerr.New(torerr.KindControl, torerr.ErrProtocolError, "connection closed mid-batch")
			}
			blocks = append(blocks, blk)
		}
	}
	return blocks, nil
}

func (c *Client) write(cmd string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return torerr.New(torerr.KindControl, torerr.ErrProtocolError, "not connected")
	}
	_, err := conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		return torerr.New(torerr.KindControl, torerr.ErrProtocolError, "write: %v", err)
	}
	return nil
}

func (c *Client) nextBlock() (Block, error) {
	select {
	case blk, ok := <-c.blocks:
		if !ok {
			return Block{}, torerr.New(torerr.KindControl, torerr.ErrProtocolError, "connection closed")
		}
		return blk, nil
	case err := <-c.readErr:
		return Block{}, err
	}
}

var (
	lineRE       = regexp.MustCompile(`^(\d{3})([- +])(.*)$`)
	serviceIDRE  = regexp.MustCompile(`^ServiceID=(\w+)$`)
	privateKeyRE = regexp.MustCompile(`^PrivateKey=(.+)$`)
)

// readLoop accumulates response blocks from the control connection: it
// splits the byte stream on '\n', preserving a trailing partial line
// across reads per spec's receive-framing rule, and groups lines into
// Blocks terminated by a line with the " " (end) continuation marker.
func (c *Client) readLoop() {
	var cur Block
	for {
		line, err := c.rdr.ReadString('\n')
		if err != nil {
			c.setState(Disconnected)
			close(c.blocks)
			select {
			case c.readErr <- torerr.New(torerr.KindControl, torerr.ErrProtocolError, "%v", err):
			default:
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		m := lineRE.FindStringSubmatch(line)
		if m == nil {
			c.log.Warn("unparseable control line", map[string]any{"line": line})
			continue
		}
		code, _ := strconv.Atoi(m[1])
		marker, rest := m[2], m[3]
		cur.Code = code
		cur.Lines = append(cur.Lines, rest)

		if sm := serviceIDRE.FindStringSubmatch(rest); sm != nil {
			cur.ServiceID = sm[1] + ".onion"
			cur.HadPrivateKey = false
		}
		if pm := privateKeyRE.FindStringSubmatch(rest); pm != nil {
			cur.PrivateKey = pm[1]
			cur.HadPrivateKey = true
		}

		if marker == " " {
			cur.OK = code == 250
			c.blocks <- cur
			cur = Block{}
		}
		// "-" mid-reply and "+" data markers simply accumulate; the
		// spec's only multi-line data use (GETINFO) is not parsed
		// beyond line accumulation since no consumer needs it.
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.setState(Disconnected)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// BuildAddOnionExisting constructs the ADD_ONION command for an
// identity whose private key is already known.
func BuildAddOnionExisting(key string, localPort int) string {
	return fmt.Sprintf("ADD_ONION %s Port=80,127.0.0.1:%d Flags=DiscardPK", key, localPort)
}

// BuildAddOnionNew constructs the ADD_ONION command that asks the
// daemon to mint a fresh ed25519-v3 identity.
func BuildAddOnionNew(localPort int) string {
	return fmt.Sprintf("ADD_ONION NEW:ED25519-V3 Port=80,127.0.0.1:%d", localPort)
}

// BuildDelOnion constructs the DEL_ONION command for a service id
// without its .onion suffix.
func BuildDelOnion(serviceID string) string {
	return "DEL_ONION " + strings.TrimSuffix(serviceID, ".onion")
}

// BuildGetInfo constructs a GETINFO command for the supplemental
// passthrough described in SPEC_FULL.md §5.
func BuildGetInfo(keys ...string) string {
	return "GETINFO " + strings.Join(keys, " ")
}

// GetInfo issues GETINFO for the given keys and returns a key/value map
// parsed from the response lines, supporting the liveness probe and
// host diagnostics supplement described in SPEC_FULL.md §5.
func (c *Client) GetInfo(keys ...string) (map[string]string, error) {
	blk, err := c.Execute(BuildGetInfo(keys...))
	if err != nil {
		return nil, err
	}
	if !blk.OK {
		return nil, torerr.New(torerr.KindControl, torerr.ErrProtocolError, "GETINFO code %d", blk.Code)
	}
	out := make(map[string]string)
	for _, line := range blk.Lines {
		k, v, ok := strings.Cut(line, "=")
		if ok {
			out[k] = v
		}
	}
	return out, nil
}
