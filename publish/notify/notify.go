// Package notify emits structured notification requests for lifecycle
// events. Delivery mechanics (SMTP etc.) are an external concern; the core
// only decides when and what to notify.
package notify

import "log/slog"

type Event string

const (
	PublishSucceeded Event = "publish_succeeded"
	PublishFailed    Event = "publish_failed"
	FileUnpublished  Event = "file_unpublished"
)

type Request struct {
	Event     Event
	Recipient string

	// Original source path of the file, for display in the message.
	Path string

	// Download URL of the published artifact, set on success.
	FileUrl string

	// Failure detail, set on publish_failed.
	Error string
}

type Notifier interface {
	Notify(req Request) error
}

// LogNotifier records notification requests in the service log. Stands in
// for a real delivery backend in tests and single-host deployments.
type LogNotifier struct{}

func (LogNotifier) Notify(req Request) error {
	slog.Info("notification requested",
		"event", req.Event, "recipient", req.Recipient,
		"path", req.Path, "file_url", req.FileUrl, "error", req.Error)
	return nil
}

// Recorder captures requests for assertions in tests.
type Recorder struct {
	Requests []Request
}

func (r *Recorder) Notify(req Request) error {
	r.Requests = append(r.Requests, req)
	return nil
}
