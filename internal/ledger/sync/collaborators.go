package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// Credential keys.
const (
	KeyUsername   = "username"
	KeySigningKey = "signingKey"
)

// DefaultKeyringService is the keychain service name used when none is
// configured.
const DefaultKeyringService = "jmnr-ledger"

// ErrCredentialNotFound is returned by a CredentialStore for a missing key.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore is secure key/value storage for the operator identity and
// signing key.
type CredentialStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// KeyringCredentials keeps credentials in the OS keychain.
type KeyringCredentials struct {
	Service string
}

// NewKeyringCredentials returns keychain storage under service.
func NewKeyringCredentials(service string) *KeyringCredentials {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringCredentials{Service: service}
}

func (k *KeyringCredentials) Get(key string) (string, error) {
	v, err := keyring.Get(k.Service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", key, err)
	}
	return v, nil
}

func (k *KeyringCredentials) Set(key, value string) error {
	if err := keyring.Set(k.Service, key, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (k *KeyringCredentials) Delete(key string) error {
	err := keyring.Delete(k.Service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

// Connectivity answers whether the server is reachable right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline skips the connectivity check.
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) bool { return true })

// DialProbe considers the device online when a TCP connection to the server
// can be opened.
type DialProbe struct {
	Address string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewDialProbe returns a probe for the host of serverURL.
func NewDialProbe(serverURL string, timeout time.Duration, logger *zap.Logger) (*DialProbe, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return nil, fmt.Errorf("server URL %q has no host", serverURL)
	}
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialProbe{Address: net.JoinHostPort(host, port), Timeout: timeout, Logger: logger}, nil
}

func (p *DialProbe) Online(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		p.Logger.Debug("server unreachable", zap.String("address", p.Address), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Event names a sync notice.
type Event string

const (
	EventSyncComplete Event = "sync_complete"
	EventSyncFailed   Event = "sync_failed"
	EventPullComplete Event = "pull_complete"
	EventPullFailed   Event = "pull_failed"
)

// Notice is the single user-facing outcome of a push or pull cycle.
type Notice struct {
	Event   Event
	Message string
	Push    *Report
	Pull    *PullReport
	Err     error
}

// Notifier receives cycle outcomes.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(n Notice) {
	if n.Err != nil {
		l.Logger.Warn(n.Message, zap.String("event", string(n.Event)), zap.Error(n.Err))
		return
	}
	l.Logger.Info(n.Message, zap.String("event", string(n.Event)))
}

// Notifiers fans a notice out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notice) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}
