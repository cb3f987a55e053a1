package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/irrigationcontroller"
)

const DefaultServer = "https://ntfy.sh"

type Notifier struct {
	client *http.Client
	server string
	topic  string
}

// New returns a notifier for topic, or nil when no topic is configured.
func New(server, topic string) *Notifier {
	if topic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return nil
	}
	if server == "" {
		server = DefaultServer
	}

	log.Info().
		Str("topic", topic).
		Msg("Ntfy notifications initialized")

	return &Notifier{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		server: strings.TrimRight(server, "/"),
		topic:  topic,
	}
}

// Send sends a notification to ntfy. A nil Notifier is a no-op.
func (n *Notifier) Send(title, message string) error {
	if n == nil {
		return nil
	}

	payload := map[string]interface{}{
		"topic":   n.topic,
		"title":   title,
		"message": message,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", n.server, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}

// RainDelayAlerts pushes a notification whenever the rain delay flips.
type RainDelayAlerts struct {
	irrigationcontroller.NopListener

	Notifier *Notifier
}

func (a RainDelayAlerts) RainDelayChanged(on bool) {
	title, message := "Rain delay cleared", "Scheduled programs will run again."
	if on {
		title, message = "Rain delay active", "Scheduled programs are suspended."
	}
	// Listeners must not block the controller.
	go func() {
		if err := a.Notifier.Send(title, message); err != nil {
			log.Warn().Err(err).Msg("Failed to send rain delay notification")
		}
	}()
}
