package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Dispatcher delivers rotation announcements to a chat platform. All calls
// are best-effort from the engine's point of view: callers log and report
// failures but never roll back a state transition because of one.
type Dispatcher interface {
	// SendDirectMessage delivers text to one user's private channel.
	SendDirectMessage(ctx context.Context, userID, text string) error
	// SyncGroupMembership replaces the platform's on-call group with the
	// given users.
	SyncGroupMembership(ctx context.Context, userIDs []string) error
	// SyncChannelTopic rewrites the team channel topic from the on-call set.
	SyncChannelTopic(ctx context.Context, userIDs []string) error
}

// Reporter posts operational failures where a human will see them. Implemented
// by the platform dispatchers alongside Dispatcher.
type Reporter interface {
	ReportError(ctx context.Context, message string)
}

// Noop satisfies both interfaces without talking to anything. It keeps the
// engine runnable with CHAT_PLATFORM=none; sends are logged at debug level
// and dropped.
type Noop struct {
	Logger *logrus.Logger
}

func (n Noop) SendDirectMessage(ctx context.Context, userID, text string) error {
	n.Logger.WithFields(logrus.Fields{"user_id": userID, "text": text}).Debug("dispatch disabled, dropping direct message")
	return nil
}

func (n Noop) SyncGroupMembership(ctx context.Context, userIDs []string) error {
	n.Logger.WithField("user_ids", userIDs).Debug("dispatch disabled, skipping group sync")
	return nil
}

func (n Noop) SyncChannelTopic(ctx context.Context, userIDs []string) error {
	n.Logger.WithField("user_ids", userIDs).Debug("dispatch disabled, skipping topic sync")
	return nil
}

func (n Noop) ReportError(ctx context.Context, message string) {
	n.Logger.WithField("message", message).Warn("operator report with dispatch disabled")
}
