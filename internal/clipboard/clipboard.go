// Package clipboard watches the local clipboard and applies text received
// from peers without echoing it back out.
package clipboard

import (
	"errors"
	"sync"

	sysclip "github.com/atotto/clipboard"
)

var ErrUnsupported = errors.New("system clipboard is not available")

// Provider reads and writes clipboard text.
type Provider interface {
	Text() (string, error)
	SetText(text string) error
}

// System is the host clipboard.
type System struct{}

// NewSystem returns the host clipboard, or ErrUnsupported when no
// clipboard utility is available (headless Linux without xclip, xsel or
// wl-clipboard).
func NewSystem() (*System, error) {
	if sysclip.Unsupported {
		return nil, ErrUnsupported
	}
	return &System{}, nil
}

func (s *System) Text() (string, error) {
	return sysclip.ReadAll()
}

func (s *System) SetText(text string) error {
	return sysclip.WriteAll(text)
}

// Memory is an in-process clipboard.
type Memory struct {
	mu      sync.Mutex
	text    string
	readErr error
}

func NewMemory(initial string) *Memory {
	return &Memory{text: initial}
}

func (m *Memory) Text() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return "", m.readErr
	}
	return m.text, nil
}

func (m *Memory) SetText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return nil
}

// FailReads makes subsequent reads return err until called with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}
