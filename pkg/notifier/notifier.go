// Package notifier provides pipeline completion notifications
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/pipewright/pipewright/pkg/logger"
)

// PipelineNotifier handles desktop notifications for pipeline outcomes
type PipelineNotifier struct {
	enabled bool
	logger  logger.Logger
}

// New creates a new pipeline notifier
func New(enabled bool, log logger.Logger) *PipelineNotifier {
	return &PipelineNotifier{
		enabled: enabled,
		logger:  log,
	}
}

// NotifySuccess notifies that the pipeline finished cleanly
func (n *PipelineNotifier) NotifySuccess(pkg string, duration time.Duration) {
	if !n.enabled {
		return
	}
	title := "✅ Package Built"
	message := fmt.Sprintf("%s packaged in %s", pkg, formatDuration(duration))
	n.send(title, message)
}

// NotifyFailure notifies that a stage aborted the pipeline
func (n *PipelineNotifier) NotifyFailure(pkg, stage string) {
	if !n.enabled {
		return
	}
	title := "❌ Package Build Failed"
	message := fmt.Sprintf("%s failed during %s", pkg, stage)
	n.send(title, message)
}

func (n *PipelineNotifier) send(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil {
		if n.logger != nil {
			n.logger.Debug("Failed to send notification", logger.WithField("error", err))
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
