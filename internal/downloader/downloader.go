package downloader

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/tinoosan/titan/internal/data"
)

// ErrUnsupportedKind is returned when no strategy handles a task's URL.
var ErrUnsupportedKind = errors.New("unsupported transfer kind")

// Kind is the closed set of transfer protocols. Supporting a new protocol
// means adding a Kind, a field on Strategies and a case in For.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	}
	return "unknown"
}

// KindFor picks the transfer kind from the URL scheme.
func KindFor(rawURL string) (Kind, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return KindUnknown, data.ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return KindHTTP, nil
	}
	return KindUnknown, ErrUnsupportedKind
}

// Strategy moves the bytes of one task for one attempt.
//
// Download returns a lazy, finite sequence: zero or more Progress events
// followed by exactly one terminal event (Success, Error, Paused or
// Canceled), after which the channel is closed. The caller must drain it.
type Strategy interface {
	Download(ctx context.Context, t *data.Task, check StateChecker) <-chan Event
}

// Strategies holds one handler per Kind.
type Strategies struct {
	HTTP Strategy
}

func (s Strategies) For(k Kind) (Strategy, error) {
	switch k {
	case KindHTTP:
		if s.HTTP != nil {
			return s.HTTP, nil
		}
	}
	return nil, ErrUnsupportedKind
}

// Signal is the external state a transfer polls between chunks.
type Signal int

const (
	SignalNone Signal = iota
	SignalPaused
	SignalCanceled
)

// StateChecker reports whether the transfer should keep writing.
type StateChecker func() Signal
