package dashboard

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
)

// StatusData is the payload of a status message.
type StatusData struct {
	Activated        bool      `json:"activated"`
	Username         string    `json:"username,omitempty"`
	Online           bool      `json:"online"`
	Syncing          bool      `json:"syncing"`
	PendingDonations int       `json:"pending_donations"`
	PendingExpenses  int       `json:"pending_expenses"`
	LastSyncAt       time.Time `json:"last_sync_at,omitzero"`
}

// SyncData is the payload of sync_complete and sync_failed messages.
type SyncData struct {
	Message  string        `json:"message"`
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// PullData is the payload of pull_complete and pull_failed messages.
type PullData struct {
	Message string `json:"message"`
	Cutoff  string `json:"cutoff,omitempty"`
	Saved   int    `json:"saved"`
	Error   string `json:"error,omitempty"`
}

// Handler turns orchestrator notices and daemon status snapshots into
// dashboard messages. It satisfies sync.Notifier and
// daemon.StatusPublisher.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, logger: logger.Named("dashboard")}
}

// Notify implements sync.Notifier.
func (h *Handler) Notify(n ledgersync.Notice) {
	var errText string
	if n.Err != nil {
		errText = n.Err.Error()
	}

	switch n.Event {
	case ledgersync.EventSyncComplete, ledgersync.EventSyncFailed:
		data := SyncData{Message: n.Message, Error: errText}
		if n.Push != nil {
			data.Synced = n.Push.Synced()
			data.Failed = n.Push.Failed()
			data.Duration = n.Push.Duration
		}
		typ := MessageTypeSyncComplete
		if n.Event == ledgersync.EventSyncFailed {
			typ = MessageTypeSyncFailed
		}
		h.send(typ, data)

	case ledgersync.EventPullComplete, ledgersync.EventPullFailed:
		data := PullData{Message: n.Message, Error: errText}
		if n.Pull != nil {
			data.Cutoff = n.Pull.Cutoff
			data.Saved = n.Pull.Saved()
		}
		typ := MessageTypePullComplete
		if n.Event == ledgersync.EventPullFailed {
			typ = MessageTypePullFailed
		}
		h.send(typ, data)

	default:
		h.logger.Debug("ignoring notice", zap.String("event", string(n.Event)))
	}
}

// PublishStatus implements daemon.StatusPublisher.
func (h *Handler) PublishStatus(st *ledgersync.Status) {
	if st == nil {
		return
	}
	data := StatusData{
		Activated:        st.Activated,
		Username:         st.Username,
		Online:           st.Online,
		Syncing:          st.Syncing,
		PendingDonations: st.PendingDonations,
		PendingExpenses:  st.PendingExpenses,
	}
	if st.LastSync != nil {
		data.LastSyncAt = st.LastSync.StartedAt
	}
	h.send(MessageTypeStatus, data)
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal message data", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Data: raw})
}
