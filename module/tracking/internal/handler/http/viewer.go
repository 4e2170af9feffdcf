package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

const writeWait = 10 * time.Second

var errJobMismatch = errors.New("token is not valid for this job")

// ViewerRunner follows one job for one connected viewer.
type ViewerRunner interface {
	Run(ctx context.Context, deliver func(domain.Event) error) error
}

// ViewerHandler streams a job's events to a browser over WebSocket. When a
// secret is set, viewers must present an HS256 token whose job_id claim
// names the job.
type ViewerHandler struct {
	newViewer func(jobID string) ViewerRunner
	secret    []byte
	upgrader  websocket.Upgrader
	log       logrus.FieldLogger
}

func NewViewerHandler(newViewer func(jobID string) ViewerRunner, secret string, log logrus.FieldLogger) *ViewerHandler {
	return &ViewerHandler{
		newViewer: newViewer,
		secret:    []byte(secret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *ViewerHandler) Register(r *gin.RouterGroup) {
	r.GET("/ws/jobs/:job_id", h.Watch)
}

func (h *ViewerHandler) Watch(c *gin.Context) {
	jobID := c.Param("job_id")
	log := h.log.WithField("job_id", jobID)

	if err := h.authorize(c.Query("token"), jobID); err != nil {
		log.WithError(err).Warn("viewer rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Error("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client only ever closes; any read error ends the session.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log.Info("viewer connected")
	err = h.newViewer(jobID).Run(ctx, func(ev domain.Event) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("viewer stream ended")
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	log.Info("viewer disconnected")
}

func (h *ViewerHandler) authorize(tokenStr, jobID string) error {
	if len(h.secret) == 0 {
		return nil
	}
	if tokenStr == "" {
		return errors.New("missing token")
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("unexpected claims")
	}
	if claimed, _ := claims["job_id"].(string); claimed != jobID {
		return errJobMismatch
	}
	return nil
}
