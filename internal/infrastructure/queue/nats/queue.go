package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/resilience"
)

const queueGroup = "brochure-workers"

// LagObserver records how long a retry request waited in the queue.
type LagObserver interface {
	ObserveQueueLag(lag time.Duration)
}

type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	lag      LagObserver
	logger   *slog.Logger
	now      func() time.Time
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	LagObserver          LagObserver
	Logger               *slog.Logger
}

// retryRequested is the wire payload of a retry request.
type retryRequested struct {
	UploadID    string    `json:"upload_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func New(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("promo-price-tracker"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats.disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		lag:      options.LagObserver,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishRetryRequested(ctx context.Context, uploadID string) error {
	payload, err := encodeRetryRequested(uploadID, q.now())
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeRetryRequested blocks until ctx is done, then drains the
// subscription so in-flight retries finish.
func (q *Queue) SubscribeRetryRequested(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, queueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		event, err := decodeRetryRequested(msg.Data)
		if err != nil {
			q.logger.Error("retry.message.invalid", "error", err)
			return
		}
		if q.lag != nil && !event.RequestedAt.IsZero() {
			q.lag.ObserveQueueLag(q.now().Sub(event.RequestedAt))
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, event.UploadID); err != nil {
			q.logger.Error("retry.handler.failed", "upload_id", event.UploadID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeRetryRequested(uploadID string, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(retryRequested{UploadID: uploadID, RequestedAt: at})
	if err != nil {
		return nil, fmt.Errorf("marshal retry event: %w", err)
	}
	return payload, nil
}

// decodeRetryRequested also accepts a bare upload id.
func decodeRetryRequested(data []byte) (retryRequested, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return retryRequested{}, errors.New("empty retry message")
	}
	if !strings.HasPrefix(raw, "{") {
		return retryRequested{UploadID: raw}, nil
	}
	var event retryRequested
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return retryRequested{}, fmt.Errorf("decode retry message: %w", err)
	}
	if event.UploadID == "" {
		return retryRequested{}, errors.New("retry message without upload_id")
	}
	return event, nil
}
