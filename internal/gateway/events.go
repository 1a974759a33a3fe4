package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"cli-gateway/internal/protocol"
	"cli-gateway/internal/session"

	"github.com/oklog/ulid/v2"
	"github.com/tmaxmax/go-sse"
)

const (
	feedTopic     = "sessions"
	feedReplayTTL = time.Hour
)

// feed publishes registry events to admin SSE subscribers. Every event gets
// a ULID so reconnecting subscribers can resume with Last-Event-ID.
type feed struct {
	provider  sse.Provider
	publishMu sync.Mutex
}

type channelMessageWriter struct {
	ch chan *sse.Message

	subscribed chan struct{}
	once       sync.Once
}

func newChannelMessageWriter() *channelMessageWriter {
	return &channelMessageWriter{
		ch:         make(chan *sse.Message, 128),
		subscribed: make(chan struct{}),
	}
}

func (w *channelMessageWriter) markSubscribed() {
	w.once.Do(func() { close(w.subscribed) })
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

// registeringReplayer tells a channelMessageWriter once Joe has replayed to
// it. Joe registers the subscriber before handling any later publish, so
// every event published after that point reaches the writer.
type registeringReplayer struct {
	sse.Replayer
}

func (r registeringReplayer) Replay(sub sse.Subscription) error {
	err := r.Replayer.Replay(sub)
	if w, ok := sub.Client.(*channelMessageWriter); ok && err == nil {
		w.markSubscribed()
	}
	return err
}

func newFeed() *feed {
	replayer, err := sse.NewValidReplayer(feedReplayTTL, false)
	if err != nil {
		panic(err)
	}
	return &feed{provider: &sse.Joe{Replayer: registeringReplayer{replayer}}}
}

func (f *feed) publish(ev session.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode session event", "type", ev.Type, "error", err)
		return
	}

	// IDs must reach the replayer in order for resume to work.
	f.publishMu.Lock()
	defer f.publishMu.Unlock()

	msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
	msg.AppendData(string(payload))
	if err := f.provider.Publish(msg, []string{feedTopic}); err != nil {
		slog.Debug("session event not published", "type", ev.Type, "error", err)
	}
}

func (f *feed) shutdown(ctx context.Context) error {
	err := f.provider.Shutdown(ctx)
	if errors.Is(err, sse.ErrProviderClosed) {
		return nil
	}
	return err
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	writer := newChannelMessageWriter()
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{feedTopic},
	}
	if lastEventID != "" {
		sub.LastEventID = sse.ID(lastEventID)
	}

	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.feed.provider.Subscribe(r.Context(), sub)
	}()

	// Only announce the stream once the subscription is live.
	select {
	case <-r.Context().Done():
		return
	case err := <-subscribeErr:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sse.ErrProviderClosed) {
			requestLogger(r).Warn("event subscription failed", "error", err)
		}
		return
	case <-writer.subscribed:
	}

	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sse.ErrProviderClosed) {
				requestLogger(r).Warn("event subscription ended", "error", err)
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}
