package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
	"github.com/gosuda/tenantry/internal/server/middleware"
	redisstore "github.com/gosuda/tenantry/internal/store/redis"
)

// Accounts is the lookup used to restrict streams to the tenant owner.
type Accounts interface {
	GetByTenantID(ctx context.Context, tenantID string) (*domain.Account, error)
}

// Hub streams tenant lifecycle events to WebSocket clients from Redis pub/sub.
type Hub struct {
	sub      events.Subscriber
	accounts Accounts
}

// NewHub creates a new WebSocket hub.
func NewHub(sub events.Subscriber, accounts Accounts) *Hub {
	return &Hub{sub: sub, accounts: accounts}
}

// ServeTenantEvents streams the lifecycle events of one tenant to its owner.
// Subscribes to Redis channel "tenantry:tenant:<tenantID>" and forwards each
// JSON event as a text message.
func (h *Hub) ServeTenantEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	tenantID := chi.URLParam(r, "tenantID")
	acct, err := h.accounts.GetByTenantID(r.Context(), tenantID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("websocket account lookup")
		http.Error(w, "account lookup failed", http.StatusInternalServerError)
		return
	case acct.OwnerID != userID:
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.sub.Subscribe(ctx, redisstore.TenantChannel(tenantID))
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
