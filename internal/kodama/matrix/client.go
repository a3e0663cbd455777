// Package matrix provides the Matrix transport for Kodama.
//
// One client serves both surfaces: admin rooms deliver operator commands,
// watched rooms deliver the chat traffic that feeds the memory pipeline.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AdminRooms are the rooms where Kodama accepts operator commands.
	AdminRooms []string
	// WatchedRooms are the rooms whose whitelisted traffic is recorded.
	WatchedRooms []string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts.  When nil, an in-memory store is
	// used and all room history will be replayed on every restart.
	DB *sql.DB
}

// Client wraps the Matrix client
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler
}

// MessageHandler processes incoming Matrix messages
type MessageHandler func(ctx context.Context, evt *event.Event)

// New creates a new Matrix client
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// Attach a persistent sync store so the bot resumes from the last known
	// position after a restart instead of re-ingesting old room history.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start begins syncing with the Matrix homeserver
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range append(append([]string{}, c.config.AdminRooms...), c.config.WatchedRooms...) {
		if err := c.joinRoom(id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	// Start syncing in background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill the
	// sync goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			started := time.Now()
			if err := c.client.Sync(); err != nil {
				// A sync that ran for a while before failing counts as a
				// recovery; start the backoff over.
				if time.Since(started) > backoffMax {
					backoff = backoffMin
				}
				// Check whether Stop() was called; if so, exit cleanly.
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop stops the Matrix client
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendMessage sends a text message to a room
func (c *Client) SendMessage(roomID, message string) error {
	_, err := c.client.SendText(context.Background(), id.RoomID(roomID), message)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendFormattedMessage sends a formatted message (HTML + plain text fallback)
func (c *Client) SendFormattedMessage(roomID, html, plaintext string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plaintext,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send formatted message: %w", err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages)
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// IsAdminRoom checks if a room is configured as an admin room
func (c *Client) IsAdminRoom(roomID string) bool {
	for _, adminRoom := range c.config.AdminRooms {
		if adminRoom == roomID {
			return true
		}
	}
	return false
}

// IsWatchedRoom checks if a room's traffic should feed the chat log
func (c *Client) IsWatchedRoom(roomID string) bool {
	for _, watched := range c.config.WatchedRooms {
		if watched == roomID {
			return true
		}
	}
	return false
}

// handleMessage forwards messages from admin and watched rooms
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}
	switch msgContent.MsgType {
	case event.MsgText, event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
	default:
		return
	}

	if !c.IsAdminRoom(evt.RoomID.String()) && !c.IsWatchedRoom(evt.RoomID.String()) {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

// MediaRefs extracts media references (mxc:// URIs) from a message event.
func MediaRefs(content *event.MessageEventContent) []string {
	if content == nil {
		return nil
	}
	var refs []string
	if content.URL != "" {
		refs = append(refs, string(content.URL))
	}
	if content.Info != nil && content.Info.ThumbnailURL != "" {
		refs = append(refs, string(content.Info.ThumbnailURL))
	}
	return refs
}

// joinRoom attempts to join a room
func (c *Client) joinRoom(roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a member
		// of the room. Use mautrix's typed error check instead of string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// GetUserID returns the client's user ID
func (c *Client) GetUserID() string {
	return c.config.UserID
}
