package pubsub

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"go.etcd.io/etcd/clientv3"
	"go.etcd.io/etcd/mvcc/mvccpb"
)

// messageTTL bounds how long a published key lingers in Etcd before
// expiring; chunk payloads and routing notices are transient by
// design (§6 "Persisted state"), so nothing here needs to survive past
// delivery to any currently-attached subscribers.
const messageTTL = 60 * time.Second

const pubsubPrefix = "/peerlink/pubsub/"

// Etcd is the cross-node PubSub backend. Publish is an Etcd Put under a
// channel-scoped, uniquely-named key; Subscribe is an Etcd Watch of
// that channel's prefix. Etcd's own per-key revision ordering gives the
// required per-channel, per-subscriber FIFO delivery for free.
type Etcd struct {
	cli *clientv3.Client
}

// NewEtcd wraps an already-dialed Etcd client for PubSub use.
func NewEtcd(cli *clientv3.Client) *Etcd { return &Etcd{cli: cli} }

func (e *Etcd) Close() error { return nil } // cli is owned by the caller.

func (e *Etcd) Publish(ctx context.Context, channel string, payload []byte) error {
	lease, err := e.cli.Grant(ctx, int64(messageTTL.Seconds()))
	if err != nil {
		return err
	}
	var key = fmt.Sprintf("%s%s/%s", pubsubPrefix, channel, uuid.NewString())
	_, err = e.cli.Put(ctx, key, string(payload), clientv3.WithLease(lease.ID))
	return err
}

func (e *Etcd) Subscribe(ctx context.Context, channel string) (<-chan Message, func()) {
	var prefix = pubsubPrefix + channel + "/"
	var out = make(chan Message, 256)

	watchCtx, cancel := context.WithCancel(ctx)

	// Start the watch at the current revision so a new subscriber only
	// observes messages published after it attaches (messages are
	// transient notices, not replayable state).
	startRev, err := e.currentRevision(ctx)
	if err != nil {
		log.WithError(err).Warn("pubsub: failed to read current revision; watching from 0")
	}

	var wch clientv3.WatchChan
	if startRev > 0 {
		wch = e.cli.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(startRev+1))
	} else {
		wch = e.cli.Watch(watchCtx, prefix, clientv3.WithPrefix())
	}

	go func() {
		defer close(out)
		for resp := range wch {
			if resp.Err() != nil {
				log.WithError(resp.Err()).WithField("channel", channel).Warn("pubsub: watch error")
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				select {
				case out <- Message{Channel: channel, Payload: ev.Kv.Value}:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}

func (e *Etcd) currentRevision(ctx context.Context) (int64, error) {
	resp, err := e.cli.Get(ctx, pubsubPrefix, clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return resp.Header.Revision, nil
}
