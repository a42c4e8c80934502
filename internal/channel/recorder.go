package channel

import (
	"context"
	"fmt"
	"sync"
)

// Sent is one outbound call captured by a Recorder.
type Sent struct {
	Op     string // text, card, update, file
	ChatID string
	CardID string
	Text   string
	Card   Card
	Path   string
}

// Recorder is an in-memory Channel that records every outbound call.
type Recorder struct {
	mu     sync.Mutex
	sent   []Sent
	nextID int
	notify chan struct{}

	// UpdateErr, when set, is returned by every UpdateCard call.
	UpdateErr error
	// SendErr, when set, is returned by SendText and SendCard.
	SendErr error
	// OnSend observes each recorded call.
	OnSend func(Sent)
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) SendText(_ context.Context, chatID, text string) error {
	if r.SendErr != nil {
		return r.SendErr
	}
	r.record(Sent{Op: "text", ChatID: chatID, Text: text})
	return nil
}

func (r *Recorder) SendCard(_ context.Context, chatID string, card Card) (string, error) {
	if r.SendErr != nil {
		return "", r.SendErr
	}
	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("card-%d", r.nextID)
	r.mu.Unlock()
	r.record(Sent{Op: "card", ChatID: chatID, CardID: id, Card: card})
	return id, nil
}

func (r *Recorder) UpdateCard(_ context.Context, cardID string, card Card) error {
	if r.UpdateErr != nil {
		return r.UpdateErr
	}
	r.record(Sent{Op: "update", CardID: cardID, Card: card})
	return nil
}

func (r *Recorder) SendFile(_ context.Context, chatID, path string) error {
	r.record(Sent{Op: "file", ChatID: chatID, Path: path})
	return nil
}

func (r *Recorder) record(s Sent) {
	r.mu.Lock()
	r.sent = append(r.sent, s)
	hook := r.OnSend
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	if hook != nil {
		hook(s)
	}
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Texts returns the bodies of all SendText calls.
func (r *Recorder) Texts() []string {
	var out []string
	for _, s := range r.Sent() {
		if s.Op == "text" {
			out = append(out, s.Text)
		}
	}
	return out
}

// Notify fires after each recorded call.
func (r *Recorder) Notify() <-chan struct{} { return r.notify }
