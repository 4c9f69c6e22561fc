package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// vaultEventChannel is the pub/sub channel the vault machine publishes
// lifecycle events on.
const vaultEventChannel = "vaults"

// Relay subscribes to vault lifecycle events on the signal bus and forwards
// them to the Notifier, which applies its own event filter. It lets operators
// get paged when a sequence halts without the state machine knowing anything
// about delivery channels.
type Relay struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay reading from the given signal bus.
func NewRelay(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run consumes events until the context is cancelled. Delivery failures are
// logged, never propagated: notifications are best-effort.
func (r *Relay) Run(ctx context.Context) error {
	events, err := r.bus.Subscribe(ctx, vaultEventChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", vaultEventChannel, err)
	}

	r.logger.InfoContext(ctx, "notification relay started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.WarnContext(ctx, "malformed event payload",
			slog.String("error", err.Error()),
		)
		return
	}

	name, _ := event["event"].(string)
	if name == "" {
		return
	}

	title, message := formatEvent(name, event)
	if err := r.notifier.Notify(ctx, name, title, message); err != nil {
		r.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

// formatEvent renders a human-readable title and body for an event payload.
func formatEvent(name string, event map[string]any) (title, message string) {
	vault, _ := event["vault"].(string)

	switch name {
	case "sequence_halted":
		title = "Sequence halted"
	case "sequence_completed":
		title = "Sequence completed"
	case "sequence_armed":
		title = "Sequence armed"
	case "step_advanced":
		title = "Step advanced"
	default:
		title = name
	}

	var parts []string
	if vault != "" {
		parts = append(parts, "vault: "+vault)
	}

	keys := make([]string, 0, len(event))
	for k := range event {
		if k == "event" || k == "vault" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, event[k]))
	}

	return title, strings.Join(parts, "\n")
}
