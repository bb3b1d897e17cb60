package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	natsio "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/coinpilot/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamFrame wraps a bus message for the websocket client
type streamFrame struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// handleEventStream upgrades to a websocket and relays bus messages for
// the requested topics (query: topics=trade_status,sync_issue or
// ticker.BTC-USD; default is every non-ticker topic). Delivery stays
// best-effort end to end: a slow client is disconnected.
func (s *Server) handleEventStream(c *gin.Context) {
	topicsParam := c.DefaultQuery("topics", strings.Join([]string{
		bus.TopicTradeStatus, bus.TopicPendingOrder, bus.TopicSyncIssue,
	}, ","))
	topics := strings.Split(topicsParam, ",")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The bus handler must never block on the socket; frames buffer
	// here and a full buffer drops the client.
	frames := make(chan streamFrame, 64)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	var subs []*natsio.Subscription
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		sub, err := s.events.Subscribe(topic, func(subject string, data []byte) {
			select {
			case frames <- streamFrame{Topic: subject, Payload: rawJSON(data)}:
			default:
				closeDone()
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Event stream subscribe failed")
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// Reader goroutine: detects client close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeDone()
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// rawJSON passes already-encoded payloads through without re-encoding
type rawJSON []byte

// MarshalJSON returns the raw bytes verbatim
func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
