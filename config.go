package chatsync

import (
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout            = 30 * time.Second
	DefaultNotificationWindow = 3
)

// Config configures a Session and the connections it opens.
type Config struct {
	BaseURL string

	// Hub endpoint paths, relative to BaseURL.
	MessageHubPath      string
	NotificationHubPath string

	// Transport-level reconnection after a dropped connection.
	DisableAutoReconnect bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Caller-side retry after a failed handshake (the Error state).
	Retry RetryPolicy

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	InvokeTimeout     time.Duration
	ReadLimit         int64

	// NotificationWindow is the size of the header/popover notification lists.
	NotificationWindow int
	CacheTTL           time.Duration
	SweepInterval      time.Duration

	HTTPClient *http.Client
}

func (c *Config) defaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MessageHubPath == "" {
		c.MessageHubPath = MessageHub.Path
	}
	if c.NotificationHubPath == "" {
		c.NotificationHubPath = NotificationHub.Path
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	c.Retry.defaults()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.NotificationWindow <= 0 {
		c.NotificationWindow = DefaultNotificationWindow
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
}
