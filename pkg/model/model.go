// Package model defines the entities shared by every peerlink component:
// cluster nodes, client sessions, share rooms, and in-flight uploads.
// Types here are plain data decoded off Storage; behavior lives in the
// packages that own each entity's lifecycle.
package model

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the lifecycle status of a cluster Node.
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeDead     NodeStatus = "dead"
	NodeInactive NodeStatus = "inactive"
)

// NodeRole is the transient role assigned by leader election.
type NodeRole string

const (
	RoleMaster NodeRole = "master"
	RoleWorker NodeRole = "worker"
)

// NewNodeID returns a fresh, opaque Node identifier.
func NewNodeID() string { return "node-" + uuid.NewString() }

// Node is a single process participating in the cluster.
type Node struct {
	ID            string     `json:"id"`
	Hostname      string     `json:"hostname"`
	Port          int        `json:"port"`
	Status        NodeStatus `json:"status"`
	Role          NodeRole   `json:"role"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}

// IsStale reports whether the Node's heartbeat is old enough that it
// should be marked dead, given a heartbeat interval of |h|.
func (n *Node) IsStale(now time.Time, h time.Duration) bool {
	return now.Sub(n.LastHeartbeat) > 3*h
}

// ClientSession is a single browser client's registration with the
// cluster. clientId is opaque and supplied by the client.
type ClientSession struct {
	ClientID      string    `json:"clientId"`
	SocketID      string    `json:"socketId"`
	NodeID        string    `json:"nodeId"`
	Connected     bool      `json:"connected"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Uploads       StrSet    `json:"uploads"`
	Downloads     StrSet    `json:"downloads"`
	UploadSpeed   float64   `json:"uploadSpeed"`
	DownloadSpeed float64   `json:"downloadSpeed"`
	ShareID       string    `json:"shareId,omitempty"`
}

// ShareStatus is the lifecycle status of a ShareSession.
type ShareStatus string

const (
	ShareActive   ShareStatus = "active"
	ShareInactive ShareStatus = "inactive"
)

// MaxShareParticipants is the hard cap on participants of one share room.
const MaxShareParticipants = 2

// ShareSession is a two-participant rendezvous room keyed by ShareID.
type ShareSession struct {
	ShareID      string      `json:"shareId"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Clients      []string    `json:"clients"`
	Status       ShareStatus `json:"status"`
}

// Full reports whether the share already holds MaxShareParticipants clients.
func (s *ShareSession) Full() bool { return len(s.Clients) >= MaxShareParticipants }

// Has reports whether clientID is already a participant.
func (s *ShareSession) Has(clientID string) bool {
	for _, c := range s.Clients {
		if c == clientID {
			return true
		}
	}
	return false
}

// NewShareID returns a fresh share identifier in the share-<unix-ms>-<rand>
// shape of §4.5.
func NewShareID(now time.Time) string {
	return fmt.Sprintf("share-%d-%06d", now.UnixMilli(), rand.Intn(1_000_000))
}

// NewFileID returns a fresh upload identifier.
func NewFileID() string { return "file-" + uuid.NewString() }

// Other returns the participant other than clientID, if any.
func (s *ShareSession) Other(clientID string) (string, bool) {
	for _, c := range s.Clients {
		if c != clientID {
			return c, true
		}
	}
	return "", false
}

// UploadStatus is the lifecycle status of an UploadState.
type UploadStatus string

const (
	UploadUploading UploadStatus = "uploading"
	UploadPaused    UploadStatus = "paused"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
	UploadCancelled UploadStatus = "cancelled"
)

// PendingAck tracks one unacknowledged chunk.
type PendingAck struct {
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// UploadState is the full record of one in-flight (or finished) upload.
type UploadState struct {
	FileID          string              `json:"fileId"`
	FileName        string              `json:"fileName"`
	FileSize        int64               `json:"fileSize"`
	TotalChunks     int                 `json:"totalChunks"`
	UploadedChunks  IntSet              `json:"uploadedChunks"`
	ClientID        string              `json:"clientId"`
	Recipients      []string            `json:"recipients"`
	StartTime       time.Time           `json:"startTime"`
	LastUpdate      time.Time           `json:"lastUpdate"`
	Status          UploadStatus        `json:"status"`
	ChecksumEnabled bool                `json:"checksumEnabled"`
	ChunkChecksums  map[int]string      `json:"chunkChecksums,omitempty"`
	PendingAcks     map[int]*PendingAck `json:"pendingAcks"`
	LastAckTime     time.Time           `json:"lastAckTime,omitempty"`
	FailedChunks    []int               `json:"failedChunks,omitempty"`
}

// Complete reports whether every chunk has arrived.
func (u *UploadState) Complete() bool {
	return len(u.UploadedChunks) == u.TotalChunks
}

// Progress returns the percentage [0,100] of chunks uploaded so far.
func (u *UploadState) Progress() int {
	if u.TotalChunks == 0 {
		return 0
	}
	return len(u.UploadedChunks) * 100 / u.TotalChunks
}

// StrSet is a set of strings. Slice returns its members sorted; over the
// wire encoding/json encodes the set as an object keyed by member, so
// Storage round-trips preserve membership without relying on key order.
type StrSet map[string]struct{}

func NewStrSet(items ...string) StrSet {
	s := make(StrSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s StrSet) Has(item string) bool { _, ok := s[item]; return ok }
func (s StrSet) Add(item string)      { s[item] = struct{}{} }
func (s StrSet) Remove(item string)   { delete(s, item) }

func (s StrSet) Slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IntSet is a set of chunk indices.
type IntSet map[int]struct{}

func NewIntSet(items ...int) IntSet {
	s := make(IntSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s IntSet) Has(item int) bool { _, ok := s[item]; return ok }
func (s IntSet) Add(item int)      { s[item] = struct{}{} }

func (s IntSet) Slice() []int {
	out := make([]int, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// ClusterLockKey is the single Storage key contended by leader election.
const ClusterLockKey = "cluster:master"

// RateWindow is the default sliding window for RateCounter, in seconds.
const RateWindow = 60
