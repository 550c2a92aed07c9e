package remote

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeEvent is a server push notifying the client that remote state it may
// have cached has moved.
type ChangeEvent struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId,omitempty"`
}

// ChangeFeed keeps a websocket subscription to the server's change stream and
// hands each event to the callback. It is purely an optimization: if the feed
// cannot connect, the engine degrades to timer-driven sync.
type ChangeFeed struct {
	url     string
	token   string
	logger  *slog.Logger
	onEvent func(ChangeEvent)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewChangeFeed(url, token string, logger *slog.Logger, onEvent func(ChangeEvent)) *ChangeFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeed{
		url:     url,
		token:   token,
		logger:  logger,
		onEvent: onEvent,
	}
}

func (f *ChangeFeed) Start(ctx context.Context) {
	if f.url == "" || f.onEvent == nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx)
}

func (f *ChangeFeed) Close() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *ChangeFeed) run(ctx context.Context) {
	defer close(f.done)
	delay := time.Second
	for {
		connectedAt := time.Now()
		if err := f.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Debug("change feed disconnected", "err", err)
		}
		if time.Since(connectedAt) > 30*time.Second {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
}

func (f *ChangeFeed) consume(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if f.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + f.token}}
	}
	conn, _, err := websocket.Dial(ctx, f.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		f.onEvent(event)
	}
}
