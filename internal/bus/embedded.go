package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"
)

// StartEmbedded runs an in-process NATS server and returns it together
// with its client URL. This is the default deployment shape: the engine
// carries its own broker and no external service is required.
func StartEmbedded() (*server.Server, string, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		JetStream:      false,
		MaxControlLine: 4096,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create embedded broker: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, "", fmt.Errorf("embedded broker not ready within 5s")
	}

	url := ns.ClientURL()
	log.Info().Str("url", url).Msg("Embedded event broker started")
	return ns, url, nil
}
