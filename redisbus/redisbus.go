// Package redisbus carries shared instructions between replicas over redis
// pub/sub. Each shared document has its own channel, named by the
// configured prefix followed by the document uid.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/phroun/anchorage"
)

// DefaultPrefix is the channel prefix used when none is configured.
const DefaultPrefix = "anchorage:doc:"

// Options configures a Bus.
type Options struct {
	// Prefix is prepended to document uids to form channel names.
	Prefix string

	// Logger receives structured logs. Defaults to discarding everything.
	Logger *slog.Logger

	// MaxRetries bounds publish retries. Zero retries up to MaxElapsed.
	MaxRetries uint64

	// MaxElapsed bounds the total time spent retrying a publish.
	// Defaults to 10 seconds.
	MaxElapsed time.Duration
}

var errSubscriptionClosed = errors.New("redisbus: subscription closed")

// Bus publishes and receives shared instructions.
type Bus struct {
	client     redis.UniversalClient
	prefix     string
	log        *slog.Logger
	maxRetries uint64
	maxElapsed time.Duration
}

var _ anchorage.Broadcaster = (*Bus)(nil)

// New creates a bus on an existing redis client.
func New(client redis.UniversalClient, opts Options) *Bus {
	b := &Bus{
		client:     client,
		prefix:     opts.Prefix,
		log:        opts.Logger,
		maxRetries: opts.MaxRetries,
		maxElapsed: opts.MaxElapsed,
	}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	if b.log == nil {
		b.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if b.maxElapsed == 0 {
		b.maxElapsed = 10 * time.Second
	}
	return b
}

// Channel returns the channel name of a document.
func (b *Bus) Channel(uid string) string {
	return b.prefix + uid
}

// Broadcast publishes an instruction on its document's channel, retrying
// with exponential backoff.
func (b *Bus) Broadcast(ctx context.Context, si anchorage.SharedInstruction) error {
	payload := anchorage.EncodeInstruction(si)
	channel := b.Channel(si.DocumentUID)

	attempt := 0
	publish := func() error {
		attempt++
		err := b.client.Publish(ctx, channel, payload).Err()
		if err != nil {
			b.log.Warn("publish failed", "channel", channel, "attempt", attempt, "error", err)
		}
		return err
	}
	if err := backoff.Retry(publish, b.policy(ctx)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", si.OperationID, channel, err)
	}
	b.log.Debug("published instruction", "channel", channel, "operation", string(si.OperationID), "bytes", len(payload))
	return nil
}

func (b *Bus) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	exp.MaxElapsedTime = b.maxElapsed
	var policy backoff.BackOff = exp
	if b.maxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, b.maxRetries)
	}
	return backoff.WithContext(policy, ctx)
}

// Run subscribes to every document channel and feeds received payloads to
// recv until ctx is cancelled. Instructions recv rejects are logged and
// skipped.
func (b *Bus) Run(ctx context.Context, recv anchorage.Receiver) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s*: %w", b.prefix, err)
	}
	b.log.Info("subscribed", "pattern", b.prefix+"*")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return pubsub.Close()
	})
	g.Go(func() error {
		for msg := range pubsub.Channel() {
			uid := strings.TrimPrefix(msg.Channel, b.prefix)
			if err := recv.Receive(gctx, []byte(msg.Payload)); err != nil {
				b.log.Warn("instruction rejected", "uid", uid, "error", err)
			}
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
