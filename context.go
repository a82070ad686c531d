package dataflow

import "fmt"

// Severity of host notification.
type Severity int

// Severities.
const (
	Info Severity = iota
	Warning
	Error
)

type (
	// Context is the host of the graph. It receives notifications and
	// provides settings for nodes that produce files.
	Context interface {
		Notify(Message)
		WorkingDirectory() string
		FileMask() string
		BeginSession()
		EndSession()
	}

	// Message is a notification for the host.
	Message struct {
		Severity Severity
		Source   string
		Text     string
		Err      error
	}
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}
