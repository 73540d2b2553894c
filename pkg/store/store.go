// Package store implements Storage (spec §4.1): a unified, key-spaced
// CRUD + TTL contract over Nodes, ClientSessions, ShareSessions,
// UploadStates, cancelled-download markers, rate-limit counters, and the
// single cluster leader lock. Two backends satisfy the same Store
// interface: an embedded in-process backend (memory.go) and a
// distributed Etcd-backed one (etcd.go) — see SPEC_FULL.md §0 for why
// Etcd stands in for the Redis verbs the original contract names.
package store

import (
	"context"
	"time"

	"go.peerlink.dev/core/pkg/model"
)

// RateLimitResult is the outcome of CheckRateLimit.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// LockResult is the outcome of AcquireLock or RefreshLock.
type LockResult struct {
	// Acquired is true only when this call took or kept the lock for
	// holder: AcquireLock reports false when the key already exists,
	// even if holder itself holds it.
	Acquired bool
	// Holder is the nodeId currently holding the lock: the caller if
	// Acquired, otherwise the existing holder (which may be the caller,
	// in which case RefreshLock extends its hold).
	Holder string
}

// Store is the contract every component (NodeRegistry, Coordinator,
// SessionManager, TransferEngine) depends on. Implementations must
// never panic on a store failure; write failures are logged by the
// caller and treated as "try again next cycle" per §4.1's failure
// policy — Store itself just reports the error.
type Store interface {
	// Nodes.
	PutNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, bool, error)
	FindNodeByAddr(ctx context.Context, hostname string, port int) (*model.Node, bool, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// Client sessions.
	PutClientSession(ctx context.Context, s *model.ClientSession) error
	GetClientSession(ctx context.Context, clientID string) (*model.ClientSession, bool, error)
	DeleteClientSession(ctx context.Context, clientID string) error
	ListClientSessions(ctx context.Context) ([]*model.ClientSession, error)

	// Share sessions.
	PutShare(ctx context.Context, s *model.ShareSession) error
	GetShare(ctx context.Context, shareID string) (*model.ShareSession, bool, error)
	DeleteShare(ctx context.Context, shareID string) error

	// Upload states.
	SetUploadState(ctx context.Context, u *model.UploadState) error
	GetUploadState(ctx context.Context, fileID string) (*model.UploadState, bool, error)
	DeleteUploadState(ctx context.Context, fileID string) error
	ListUploadStates(ctx context.Context) ([]*model.UploadState, error)

	// Cancelled-download markers, set-shaped per §3/§4.6.
	AddCancelledDownload(ctx context.Context, fileID, clientID string) error
	IsCancelledDownload(ctx context.Context, fileID, clientID string) (bool, error)
	ClearCancelledDownloads(ctx context.Context, fileID string) error

	// Rate limiting: a real token-bucket/fixed-window, never a stub
	// (resolves the §9 open question).
	CheckRateLimit(ctx context.Context, key string, max int, windowSecs int) (RateLimitResult, error)

	// Cluster leader lock: set-if-not-exists-with-TTL and a refresh that
	// only succeeds while still held by holder.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (LockResult, error)
	RefreshLock(ctx context.Context, key, holder string, ttl time.Duration) (LockResult, error)

	// Persistent counters (e.g. filesSent).
	IncrCounter(ctx context.Context, key string) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)

	Close() error
}
