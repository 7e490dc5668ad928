// Package whatsapp wraps the whatsmeow library behind the session.Transport
// interface. It owns the device store, the live client, and the translation
// of raw whatsmeow events into lifecycle events the session understands.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/harundwi/wa-gateway/internal/dispatch"
	"github.com/harundwi/wa-gateway/internal/session"
)

// ErrNotInitialized is returned by operations that need a live client
// before Initialize has been called (or after Destroy).
var ErrNotInitialized = errors.New("whatsapp client not initialized")

// eventBuffer bounds the lifecycle event channel. Events beyond the
// buffer are dropped with a warning rather than blocking whatsmeow's
// event dispatch goroutine.
const eventBuffer = 64

// Client implements session.Transport on top of whatsmeow.
type Client struct {
	log       *slog.Logger
	container *sqlstore.Container

	mu     sync.RWMutex
	client *whatsmeow.Client

	events chan session.LifecycleEvent
}

// NewClient opens the whatsmeow device store at storePath and returns a
// client ready for Initialize. The parent directory is created if needed.
func NewClient(ctx context.Context, storePath string, log *slog.Logger) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	dbLog := &slogAdapter{log: log.With("component", "whatsmeow-db"), name: "Database"}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", storePath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	return &Client{
		log:       log,
		container: container,
		events:    make(chan session.LifecycleEvent, eventBuffer),
	}, nil
}

// Initialize builds a fresh whatsmeow client from the first stored device
// and connects it. If no device session exists, connecting makes the
// server issue QR codes which surface as lifecycle events.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.client != nil && c.client.IsConnected() {
		c.mu.Unlock()
		return nil
	}

	deviceStore, err := c.container.GetFirstDevice(ctx)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("get device: %w", err)
	}

	clientLog := &slogAdapter{log: c.log.With("component", "whatsmeow"), name: "Client"}
	cli := whatsmeow.NewClient(deviceStore, clientLog)
	cli.AddEventHandler(c.handleEvent)
	c.client = cli
	c.mu.Unlock()

	if cli.Store.ID == nil {
		c.log.Info("no stored session, pairing required")
	} else {
		c.log.Info("restoring session", "jid", cli.Store.ID.String())
	}

	if err := cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Destroy disconnects and discards the live client. The device store
// stays on disk so a later Initialize resumes the same session.
func (c *Client) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.client.RemoveEventHandlers()
	c.client.Disconnect()
	c.client = nil
	return nil
}

// SendText delivers a plain text message to the given JID and returns the
// server-assigned message ID. Errors are wrapped in the dispatch sentinels
// so the caller can classify outcomes without string matching.
func (c *Client) SendText(ctx context.Context, jid, text string) (string, error) {
	c.mu.RLock()
	cli := c.client
	c.mu.RUnlock()

	if cli == nil {
		return "", fmt.Errorf("%w: %s", dispatch.ErrTransportFault, ErrNotInitialized)
	}
	if !cli.IsConnected() {
		return "", fmt.Errorf("%w: websocket not connected", dispatch.ErrTransportFault)
	}
	if !cli.IsLoggedIn() {
		return "", fmt.Errorf("%w: not logged in", dispatch.ErrTransportFault)
	}

	recipient, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dispatch.ErrRecipientInvalid, err)
	}
	if recipient.User == "" {
		return "", fmt.Errorf("%w: empty user part in %q", dispatch.ErrRecipientInvalid, jid)
	}

	// Registration precheck. Errors here are not fatal: the send itself
	// is the authority, the precheck just gives a cleaner outcome.
	if recipient.Server == types.DefaultUserServer {
		resp, err := cli.IsOnWhatsApp(ctx, []string{"+" + recipient.User})
		if err != nil {
			c.log.Debug("registration check failed, proceeding with send", "error", err)
		} else if len(resp) > 0 && !resp[0].IsIn {
			return "", fmt.Errorf("%w: %s", dispatch.ErrRecipientUnregistered, recipient.User)
		}
	}

	sendResp, err := cli.SendMessage(ctx, recipient, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotLoggedIn) || errors.Is(err, whatsmeow.ErrNotConnected) {
			return "", fmt.Errorf("%w: %v", dispatch.ErrTransportFault, err)
		}
		return "", fmt.Errorf("send message: %w", err)
	}
	return sendResp.ID, nil
}

// ConnectionState reports the live socket state independent of the
// lifecycle machine. Used by the status endpoint for ground truth.
func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	c.mu.RLock()
	cli := c.client
	c.mu.RUnlock()

	if cli == nil {
		return "", ErrNotInitialized
	}
	switch {
	case cli.IsConnected() && cli.IsLoggedIn():
		return "connected", nil
	case cli.IsConnected():
		return "connecting", nil
	default:
		return "disconnected", nil
	}
}

// Events returns the lifecycle event stream consumed by the session.
func (c *Client) Events() <-chan session.LifecycleEvent {
	return c.events
}

// Close releases the underlying device store. The client must not be
// used afterwards.
func (c *Client) Close() error {
	if err := c.Destroy(); err != nil {
		return err
	}
	return c.container.Close()
}

func (c *Client) handleEvent(rawEvt interface{}) {
	evt, ok := mapEvent(rawEvt)
	if !ok {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.log.Warn("lifecycle event buffer full, dropping event", "kind", evt.Kind.String())
	}
}

// mapEvent translates raw whatsmeow events into lifecycle events.
// Events with no lifecycle meaning are dropped.
func mapEvent(rawEvt interface{}) (session.LifecycleEvent, bool) {
	switch evt := rawEvt.(type) {
	case *events.QR:
		e := session.NewEvent(session.EventQRIssued)
		if len(evt.Codes) > 0 {
			e.QRCode = evt.Codes[0]
		}
		return e, true
	case *events.PairSuccess:
		e := session.NewEvent(session.EventAuthenticated)
		e.Detail = evt.ID.String()
		return e, true
	case *events.Connected:
		return session.NewEvent(session.EventReady), true
	case *events.HistorySync:
		e := session.NewEvent(session.EventLoading)
		e.Percent = int(evt.Data.GetProgress())
		return e, true
	case *events.OfflineSyncCompleted:
		e := session.NewEvent(session.EventLoading)
		e.Percent = 100
		return e, true
	case *events.LoggedOut:
		e := session.NewEvent(session.EventAuthFailure)
		e.Detail = evt.Reason.String()
		return e, true
	case *events.StreamReplaced:
		e := session.NewEvent(session.EventDisconnected)
		e.Detail = "stream replaced by another client"
		return e, true
	case *events.Disconnected:
		return session.NewEvent(session.EventDisconnected), true
	}
	return session.LifecycleEvent{}, false
}

// slogAdapter bridges slog to whatsmeow's waLog.Logger interface.
type slogAdapter struct {
	log  *slog.Logger
	name string
}

var _ waLog.Logger = (*slogAdapter)(nil)

func (a *slogAdapter) Debugf(msg string, args ...interface{}) {
	a.log.Debug(fmt.Sprintf(msg, args...), "module", a.name)
}

func (a *slogAdapter) Infof(msg string, args ...interface{}) {
	a.log.Info(fmt.Sprintf(msg, args...), "module", a.name)
}

func (a *slogAdapter) Warnf(msg string, args ...interface{}) {
	a.log.Warn(fmt.Sprintf(msg, args...), "module", a.name)
}

func (a *slogAdapter) Errorf(msg string, args ...interface{}) {
	a.log.Error(fmt.Sprintf(msg, args...), "module", a.name)
}

func (a *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: a.log, name: a.name + "/" + module}
}
