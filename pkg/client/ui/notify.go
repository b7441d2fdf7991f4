package ui

import (
	"github.com/gen2brain/beeep"
)

// Notifier raises a desktop notification
type Notifier interface {
	Notify(title, message string) error
}

// DesktopNotifier sends notifications through the platform's notification
// service
type DesktopNotifier struct{}

func (DesktopNotifier) Notify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// NoopNotifier discards notifications
type NoopNotifier struct{}

func (NoopNotifier) Notify(string, string) error { return nil }
