package webhooks

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/truepast/truepast-backend/conversation"
	"github.com/truepast/truepast-backend/telegram"
)

type Handler struct {
	Dispatcher *conversation.Dispatcher
}

func NewHandler(dispatcher *conversation.Dispatcher) *Handler {
	return &Handler{Dispatcher: dispatcher}
}

// HandleTelegramWebhook processes incoming Telegram updates. It verifies the
// secret token, hands (identity, text) to the dispatcher and acknowledges
// immediately — Telegram retries slow webhooks, so nothing heavy runs here.
func (h *Handler) HandleTelegramWebhook(c *gin.Context) {
	secret := os.Getenv("TELEGRAM_WEBHOOK_SECRET")
	if secret != "" {
		got := c.GetHeader("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook secret"})
			return
		}
	}

	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	identity := update.ChatIdentity()
	if identity == "" {
		// Edited messages, channel posts and other update kinds we don't
		// handle. Acknowledge so Telegram stops redelivering.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	log.Printf("Update %d from chat %s", update.UpdateID, identity)
	h.Dispatcher.SubmitMessage(identity, update.MessageText())

	c.JSON(http.StatusOK, gin.H{"received": true})
}
