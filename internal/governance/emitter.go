package governance

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"governor/internal/domain"
)

// DefaultChannel and DefaultPriority apply to playbook steps that omit them.
const (
	DefaultChannel  = "execution"
	DefaultPriority = 100
)

// Emitter appends commands to the outbox. It never returns an error: a lost
// advisory command is preferable to a stalled control loop.
type Emitter struct {
	Outbox  Outbox
	Issuer  string
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *Metrics
}

func (e Emitter) Emit(ctx context.Context, channel, command string, payload json.RawMessage, priority int, issuedBy string) {
	if issuedBy == "" {
		issuedBy = e.Issuer
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	c := domain.Command{
		Channel:   channel,
		Command:   command,
		Payload:   payload,
		Status:    domain.CommandQueued,
		Priority:  priority,
		IssuedBy:  issuedBy,
		CreatedAt: now().UTC(),
	}
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	if err := e.Outbox.EnqueueCommand(ctx, c); err != nil {
		log.Error("emit command failed",
			zap.String("channel", channel),
			zap.String("command", command),
			zap.String("issued_by", issuedBy),
			zap.Error(err))
		e.Metrics.commandFailed(command)
		return
	}
	log.Debug("command queued",
		zap.String("channel", channel),
		zap.String("command", command),
		zap.Int("priority", priority),
		zap.String("issued_by", issuedBy))
	e.Metrics.commandEmitted(command)
}

// mustJSON marshals values built in this package; they are always encodable.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
