package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/clientv3"

	"go.peerlink.dev/core/pkg/model"
)

// key prefixes for the distributed keyspace: one flat prefix per
// entity kind, the identity as the remaining key segment.
const (
	prefixNodes     = "/peerlink/nodes/"
	prefixSessions  = "/peerlink/sessions/"
	prefixShares    = "/peerlink/shares/"
	prefixUploads   = "/peerlink/uploads/"
	prefixCancelled = "/peerlink/cancelled/"
	prefixRateLimit = "/peerlink/ratelimit/"
	prefixLocks     = "/peerlink/locks/"
	prefixCounters  = "/peerlink/counters/"
)

// Etcd is the distributed Storage backend, required to run a cluster of
// more than one node. It implements the distributed storage contract
// (setEx, set-if-not-exists-with-TTL, sAdd/sIsMember, incr+expire)
// atop go.etcd.io/etcd/clientv3.
type Etcd struct {
	cli *clientv3.Client
}

// NewEtcd wraps an already-dialed Etcd client.
func NewEtcd(cli *clientv3.Client) *Etcd { return &Etcd{cli: cli} }

func (e *Etcd) Close() error { return e.cli.Close() }

func (e *Etcd) leasedPut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := e.cli.Put(ctx, key, string(value))
		return err
	}
	lease, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return errors.Wrap(err, "granting lease")
	}
	_, err = e.cli.Put(ctx, key, string(value), clientv3.WithLease(lease.ID))
	return err
}

// -- Nodes --

func (e *Etcd) PutNode(ctx context.Context, n *model.Node) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = e.cli.Put(ctx, prefixNodes+n.ID, string(b))
	return err
}

func (e *Etcd) GetNode(ctx context.Context, id string) (*model.Node, bool, error) {
	resp, err := e.cli.Get(ctx, prefixNodes+id)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var n model.Node
	if err := json.Unmarshal(resp.Kvs[0].Value, &n); err != nil {
		return nil, false, err
	}
	return &n, true, nil
}

func (e *Etcd) FindNodeByAddr(ctx context.Context, hostname string, port int) (*model.Node, bool, error) {
	nodes, err := e.ListNodes(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, n := range nodes {
		if n.Hostname == hostname && n.Port == port {
			return n, true, nil
		}
	}
	return nil, false, nil
}

func (e *Etcd) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.cli.Get(ctx, prefixNodes, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n model.Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			continue
		}
		out = append(out, &n)
	}
	return out, nil
}

// -- Client sessions --

func (e *Etcd) PutClientSession(ctx context.Context, s *model.ClientSession) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = e.cli.Put(ctx, prefixSessions+s.ClientID, string(b))
	return err
}

func (e *Etcd) GetClientSession(ctx context.Context, clientID string) (*model.ClientSession, bool, error) {
	resp, err := e.cli.Get(ctx, prefixSessions+clientID)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var s model.ClientSession
	if err := json.Unmarshal(resp.Kvs[0].Value, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (e *Etcd) DeleteClientSession(ctx context.Context, clientID string) error {
	_, err := e.cli.Delete(ctx, prefixSessions+clientID)
	return err
}

func (e *Etcd) ListClientSessions(ctx context.Context) ([]*model.ClientSession, error) {
	resp, err := e.cli.Get(ctx, prefixSessions, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*model.ClientSession, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var s model.ClientSession
		if err := json.Unmarshal(kv.Value, &s); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

// -- Share sessions --

func (e *Etcd) PutShare(ctx context.Context, s *model.ShareSession) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = e.cli.Put(ctx, prefixShares+s.ShareID, string(b))
	return err
}

func (e *Etcd) GetShare(ctx context.Context, shareID string) (*model.ShareSession, bool, error) {
	resp, err := e.cli.Get(ctx, prefixShares+shareID)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var s model.ShareSession
	if err := json.Unmarshal(resp.Kvs[0].Value, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (e *Etcd) DeleteShare(ctx context.Context, shareID string) error {
	_, err := e.cli.Delete(ctx, prefixShares+shareID)
	return err
}

// -- Upload states --

func (e *Etcd) SetUploadState(ctx context.Context, u *model.UploadState) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = e.cli.Put(ctx, prefixUploads+u.FileID, string(b))
	return err
}

func (e *Etcd) GetUploadState(ctx context.Context, fileID string) (*model.UploadState, bool, error) {
	resp, err := e.cli.Get(ctx, prefixUploads+fileID)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var u model.UploadState
	if err := json.Unmarshal(resp.Kvs[0].Value, &u); err != nil {
		return nil, false, err
	}
	return &u, true, nil
}

func (e *Etcd) DeleteUploadState(ctx context.Context, fileID string) error {
	_, err := e.cli.Delete(ctx, prefixUploads+fileID)
	if err != nil {
		return err
	}
	return e.ClearCancelledDownloads(ctx, fileID)
}

func (e *Etcd) ListUploadStates(ctx context.Context) ([]*model.UploadState, error) {
	resp, err := e.cli.Get(ctx, prefixUploads, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*model.UploadState, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var u model.UploadState
		if err := json.Unmarshal(kv.Value, &u); err != nil {
			continue
		}
		out = append(out, &u)
	}
	return out, nil
}

// -- Cancelled downloads: sAdd/sIsMember modeled as one key per member. --

// cancelledTTL bounds the lifetime of a cancellation marker to the same
// silence window as an upload itself, per §4.1.
const cancelledTTL = 24 * time.Hour

func (e *Etcd) AddCancelledDownload(ctx context.Context, fileID, clientID string) error {
	return e.leasedPut(ctx, prefixCancelled+fileID+"/"+clientID, []byte("1"), cancelledTTL)
}

func (e *Etcd) IsCancelledDownload(ctx context.Context, fileID, clientID string) (bool, error) {
	resp, err := e.cli.Get(ctx, prefixCancelled+fileID+"/"+clientID, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

func (e *Etcd) ClearCancelledDownloads(ctx context.Context, fileID string) error {
	_, err := e.cli.Delete(ctx, prefixCancelled+fileID+"/", clientv3.WithPrefix())
	return err
}

// -- Rate limiting: incr+expire via a CAS retry loop, since Etcd has no
// native INCR. The first Put in a window grants the key its lease; the
// lease is preserved across subsequent increments by reusing its ID, so
// the window's reset time never slides (fixed-window semantics). --

func (e *Etcd) CheckRateLimit(ctx context.Context, key string, max int, windowSecs int) (RateLimitResult, error) {
	var fullKey = prefixRateLimit + key
	for attempt := 0; attempt < 5; attempt++ {
		resp, err := e.cli.Get(ctx, fullKey)
		if err != nil {
			return RateLimitResult{}, err
		}

		if len(resp.Kvs) == 0 {
			lease, err := e.cli.Grant(ctx, int64(windowSecs))
			if err != nil {
				return RateLimitResult{}, errors.Wrap(err, "granting rate-limit lease")
			}
			txn := e.cli.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)).
				Then(clientv3.OpPut(fullKey, "1", clientv3.WithLease(lease.ID)))
			tresp, err := txn.Commit()
			if err != nil {
				return RateLimitResult{}, err
			}
			if tresp.Succeeded {
				return RateLimitResult{
					Allowed:   1 <= max,
					Remaining: max - 1,
					ResetAt:   time.Now().Add(time.Duration(windowSecs) * time.Second),
				}, nil
			}
			continue // Lost the race; retry and observe the winner's value.
		}

		var kv = resp.Kvs[0]
		count, err := strconv.Atoi(string(kv.Value))
		if err != nil {
			count = 0
		}
		var next = count + 1

		txn := e.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(fullKey), "=", kv.ModRevision)).
			Then(clientv3.OpPut(fullKey, strconv.Itoa(next), clientv3.WithIgnoreLease()))
		tresp, err := txn.Commit()
		if err != nil {
			return RateLimitResult{}, err
		}
		if !tresp.Succeeded {
			continue // Concurrent writer; retry.
		}

		ttlResp, err := e.cli.TimeToLive(ctx, clientv3.LeaseID(kv.Lease))
		var resetAt = time.Now().Add(time.Duration(windowSecs) * time.Second)
		if err == nil && ttlResp.TTL > 0 {
			resetAt = time.Now().Add(time.Duration(ttlResp.TTL) * time.Second)
		}

		var remaining = max - next
		if remaining < 0 {
			remaining = 0
		}
		return RateLimitResult{Allowed: next <= max, Remaining: remaining, ResetAt: resetAt}, nil
	}
	return RateLimitResult{}, errors.New("rate limit CAS retries exhausted")
}

// -- Cluster lock: set-if-not-exists-with-TTL via a CreateRevision==0
// guard, the standard compare-and-swap idiom for Etcd-backed locks. --

func (e *Etcd) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (LockResult, error) {
	var fullKey = prefixLocks + key
	lease, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return LockResult{}, errors.Wrap(err, "granting lock lease")
	}
	txn := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)).
		Then(clientv3.OpPut(fullKey, holder, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(fullKey))
	resp, err := txn.Commit()
	if err != nil {
		return LockResult{}, err
	}
	if resp.Succeeded {
		return LockResult{Acquired: true, Holder: holder}, nil
	}
	var getResp = resp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// Raced with an expiry between the If and the Else; try once more.
		return e.AcquireLock(ctx, key, holder, ttl)
	}
	var current = string(getResp.Kvs[0].Value)
	return LockResult{Acquired: false, Holder: current}, nil
}

func (e *Etcd) RefreshLock(ctx context.Context, key, holder string, ttl time.Duration) (LockResult, error) {
	var fullKey = prefixLocks + key
	resp, err := e.cli.Get(ctx, fullKey)
	if err != nil {
		return LockResult{}, err
	}
	if len(resp.Kvs) == 0 {
		return LockResult{Acquired: false}, nil
	}
	var current = string(resp.Kvs[0].Value)
	if current != holder {
		return LockResult{Acquired: false, Holder: current}, nil
	}

	lease, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return LockResult{}, errors.Wrap(err, "granting lock lease")
	}
	txn := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(fullKey), "=", resp.Kvs[0].ModRevision)).
		Then(clientv3.OpPut(fullKey, holder, clientv3.WithLease(lease.ID)))
	tresp, err := txn.Commit()
	if err != nil {
		return LockResult{}, err
	}
	if !tresp.Succeeded {
		// Lost a race with another refresh/acquire; report current holder.
		return e.RefreshLock(ctx, key, holder, ttl)
	}
	return LockResult{Acquired: true, Holder: holder}, nil
}

// -- Counters --

func (e *Etcd) IncrCounter(ctx context.Context, key string) (int64, error) {
	var fullKey = prefixCounters + key
	for attempt := 0; attempt < 5; attempt++ {
		resp, err := e.cli.Get(ctx, fullKey)
		if err != nil {
			return 0, err
		}
		if len(resp.Kvs) == 0 {
			txn := e.cli.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)).
				Then(clientv3.OpPut(fullKey, "1"))
			tresp, err := txn.Commit()
			if err != nil {
				return 0, err
			}
			if tresp.Succeeded {
				return 1, nil
			}
			continue
		}
		count, _ := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
		next := count + 1
		txn := e.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(fullKey), "=", resp.Kvs[0].ModRevision)).
			Then(clientv3.OpPut(fullKey, strconv.FormatInt(next, 10)))
		tresp, err := txn.Commit()
		if err != nil {
			return 0, err
		}
		if tresp.Succeeded {
			return next, nil
		}
	}
	return 0, errors.New("counter CAS retries exhausted")
}

func (e *Etcd) GetCounter(ctx context.Context, key string) (int64, error) {
	resp, err := e.cli.Get(ctx, prefixCounters+key)
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	count, _ := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	return count, nil
}
