// Package notify surfaces success and failure feedback to the shopper.
package notify

import (
	"errors"
	"strings"
	"sync"

	"github.com/tyemirov/cartsync/internal/gateway"
	"go.uber.org/zap"
)

// Level classifies a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Generic messages shown for each failure class.
const (
	MessageTransient = "Connection problem, please try again"
	MessageRejected  = "Please sign in again"
	MessageNotFound  = "That item is no longer in your cart"
	MessageGeneric   = "Something went wrong"
	MessageInvalid   = "The request could not be completed"
)

// Notification is one piece of user feedback.
type Notification struct {
	Level   Level
	Message string
	Code    string
}

// Sink receives notifications.
type Sink interface {
	Notify(notification Notification)
}

// Success builds a success notification.
func Success(message string, code string) Notification {
	return Notification{Level: LevelSuccess, Message: message, Code: code}
}

// Info builds an informational notification.
func Info(message string, code string) Notification {
	return Notification{Level: LevelInfo, Message: message, Code: code}
}

// Failure builds an error notification whose text depends only on err's class.
func Failure(err error, code string) Notification {
	return Notification{Level: LevelError, Message: MessageFor(err), Code: code}
}

// MessageFor maps an error to user-facing text. Raw error strings never leak;
// only a provider validation message is passed through.
func MessageFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gateway.ErrValidation):
		if message := strings.TrimSpace(gateway.ProviderMessage(err)); message != "" {
			return message
		}
		return MessageInvalid
	case errors.Is(err, gateway.ErrCredentialRejected):
		return MessageRejected
	case errors.Is(err, gateway.ErrNotFound):
		return MessageNotFound
	case gateway.IsTransient(err):
		return MessageTransient
	default:
		return MessageGeneric
	}
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Notification) {}

// OrNop returns sink, or Nop when sink is nil.
func OrNop(sink Sink) Sink {
	if sink == nil {
		return Nop{}
	}
	return sink
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

// Notify calls the function.
func (function SinkFunc) Notify(notification Notification) {
	function(notification)
}

// Multi fans a notification out to several sinks in order.
type Multi []Sink

// Notify forwards to every sink.
func (sinks Multi) Notify(notification Notification) {
	for _, sink := range sinks {
		if sink != nil {
			sink.Notify(notification)
		}
	}
}

// ZapSink writes notifications to a structured logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink constructs a logging sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

// Notify logs at a level matching the notification.
func (sink *ZapSink) Notify(notification Notification) {
	fields := []zap.Field{zap.String("code", notification.Code), zap.String("level", string(notification.Level))}
	switch notification.Level {
	case LevelError:
		sink.logger.Warn(notification.Message, fields...)
	default:
		sink.logger.Info(notification.Message, fields...)
	}
}

// RecordingSink keeps every notification; used by tests and the CLI.
type RecordingSink struct {
	mutex         sync.Mutex
	notifications []Notification
}

// Notify records the notification.
func (sink *RecordingSink) Notify(notification Notification) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.notifications = append(sink.notifications, notification)
}

// Notifications returns a copy of the recorded notifications.
func (sink *RecordingSink) Notifications() []Notification {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	clone := make([]Notification, len(sink.notifications))
	copy(clone, sink.notifications)
	return clone
}

// Errors returns only the error notifications.
func (sink *RecordingSink) Errors() []Notification {
	var errorsOnly []Notification
	for _, notification := range sink.Notifications() {
		if notification.Level == LevelError {
			errorsOnly = append(errorsOnly, notification)
		}
	}
	return errorsOnly
}
