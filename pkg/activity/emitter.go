package activity

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultChannel is applied to events emitted without a channel.
const DefaultChannel = "snapshots"

// Config controls activity emission defaults supplied by DI/config.
type Config struct {
	Enabled bool
	Channel string
	Logger  *zap.SugaredLogger
}

// Emitter fans out events to hooks while applying defaults.
type Emitter struct {
	hooks   Hooks
	enabled bool
	channel string
	logger  *zap.SugaredLogger
}

// NewEmitter constructs an emitter from hooks and configuration.
func NewEmitter(hooks Hooks, cfg Config) *Emitter {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	normalizedHooks := cloneHooks(hooks)
	return &Emitter{
		hooks:   normalizedHooks,
		enabled: cfg.Enabled && len(normalizedHooks) > 0,
		channel: channel,
		logger:  logger,
	}
}

// Enabled reports whether emissions should be attempted.
func (e *Emitter) Enabled() bool {
	return e != nil && e.enabled && len(e.hooks) > 0
}

// Emit forwards the event to all hooks, applying default channel when missing.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if !e.Enabled() {
		return nil
	}
	if strings.TrimSpace(event.Channel) == "" && e.channel != "" {
		event.Channel = e.channel
	}
	return e.hooks.Notify(ctx, event)
}

// Notify publishes a notification. It never fails: hook errors and panics are
// logged and dropped.
func (e *Emitter) Notify(ctx context.Context, notification Notification) {
	if !e.Enabled() {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Errorw("notification hook panicked", "notification", notification.ID, "panic", fmt.Sprint(rec))
		}
	}()
	if err := e.Emit(ctx, notification.Event()); err != nil {
		e.logger.Warnw("notification delivery failed",
			"notification", notification.ID,
			"severity", notification.Severity,
			"error", err,
		)
	}
}

func cloneHooks(hooks Hooks) Hooks {
	if len(hooks) == 0 {
		return nil
	}
	normalized := make([]ActivityHook, 0, len(hooks))
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		normalized = append(normalized, hook)
	}
	return Hooks(normalized)
}
