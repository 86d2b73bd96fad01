package api

import (
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

// streamHealth pushes the account's latest health record right away and then
// every stream interval until the client goes away.
func (s *Server) streamHealth(c *gin.Context) {
	accountID := c.Param("accountID")
	ctx := c.Request.Context()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "Health stream upgrade failed", "account_id", accountID, "error", err.Error())
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Debug(ctx, "Health stream opened", "account_id", accountID)
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		rec, ok := s.svc.Health(accountID)
		if !ok {
			rec = types.HealthRecord{AccountID: accountID, Detail: types.DetailNotPooled}
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(viewOf(rec)); err != nil {
			logger.Debug(ctx, "Health stream closed", "account_id", accountID, "error", err.Error())
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			logger.Debug(ctx, "Health stream closed by client", "account_id", accountID)
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}
