// Package session provides the default host of dataflow graphs.
package session

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/config"
	"pipelined.dev/dataflow/log"
)

type (
	// Host implements dataflow.Context. It logs notifications, keeps the
	// history of sessions and forwards messages to an optional handler.
	Host struct {
		logger   logrus.FieldLogger
		settings config.Settings
		handler  func(dataflow.Message)

		mu       sync.Mutex
		current  uuid.UUID
		sessions []uuid.UUID
		last     map[dataflow.Severity]dataflow.Message
	}

	// Option of the host.
	Option func(*Host)
)

// WithLogger sets logger of the host.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Host) {
		h.logger = l
	}
}

// WithHandler sets function that receives every notification.
func WithHandler(fn func(dataflow.Message)) Option {
	return func(h *Host) {
		h.handler = fn
	}
}

// New returns host with provided settings.
func New(settings config.Settings, options ...Option) *Host {
	h := Host{
		logger:   log.GetLogger(),
		settings: settings,
		last:     make(map[dataflow.Severity]dataflow.Message),
	}
	for _, option := range options {
		option(&h)
	}
	return &h
}

// Notify logs the message with level matching its severity.
func (h *Host) Notify(m dataflow.Message) {
	h.mu.Lock()
	h.last[m.Severity] = m
	entry := h.logger.WithField("source", m.Source)
	if h.current != uuid.Nil {
		entry = entry.WithField("session", h.current.String())
	}
	h.mu.Unlock()

	if m.Err != nil {
		entry = entry.WithError(m.Err)
	}
	switch m.Severity {
	case dataflow.Error:
		entry.Error(m.Text)
	case dataflow.Warning:
		entry.Warn(m.Text)
	default:
		entry.Info(m.Text)
	}
	if h.handler != nil {
		h.handler(m)
	}
}

// Last returns the last message of provided severity.
func (h *Host) Last(s dataflow.Severity) (dataflow.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.last[s]
	return m, ok
}

// WorkingDirectory returns directory for files produced by nodes.
func (h *Host) WorkingDirectory() string {
	return h.settings.WorkingDirectory
}

// FileMask returns printf mask of produced file names.
func (h *Host) FileMask() string {
	return h.settings.FileMask
}

// BeginSession starts a new session. Session that wasn't ended is
// replaced.
func (h *Host) BeginSession() {
	id := uuid.New()
	h.mu.Lock()
	h.current = id
	h.sessions = append(h.sessions, id)
	h.mu.Unlock()
	h.logger.WithField("session", id.String()).Debug("session started")
}

// EndSession ends current session.
func (h *Host) EndSession() {
	h.mu.Lock()
	id := h.current
	h.current = uuid.Nil
	h.mu.Unlock()
	if id != uuid.Nil {
		h.logger.WithField("session", id.String()).Debug("session ended")
	}
}

// Current returns id of the active session and false if there is no
// active session.
func (h *Host) Current() (uuid.UUID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.current != uuid.Nil
}

// Sessions returns ids of all sessions in start order.
func (h *Host) Sessions() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uuid.UUID(nil), h.sessions...)
}

// FilePath returns path of the file produced by the node in working
// directory of the host.
func FilePath(host dataflow.Context, name string) string {
	return filepath.Join(host.WorkingDirectory(), fmt.Sprintf(host.FileMask(), name))
}
