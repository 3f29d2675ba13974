package session

import (
	"context"

	"wtsync.dev/internal/feed"
	"wtsync.dev/internal/protocol"
)

// LocalSource reads the local player's identity and current snapshot.
type LocalSource interface {
	LocalIdentity() (protocol.Identity, bool)
	ReadSnapshot() *protocol.Snapshot
}

// MemberSource reports the current group. Members includes the local player.
type MemberSource interface {
	Members() []protocol.Member
	OnChange(fn func()) (unsubscribe func())
}

// Poster is the outbound half of the sync, normally a *remote.Scheduler.
type Poster interface {
	PostUpdate(id protocol.Identity, snap *protocol.Snapshot)
	HandleLogout(ids []protocol.Identity)
	HasPendingSubmission() bool
	LastError() string
}

// Sharer requests share links, normally a *remote.Client.
type Sharer interface {
	RequestShare(ctx context.Context, members []protocol.ShareMember) (protocol.ShareResponse, error)
}

// Feed is the inbound half of the sync, normally a *feed.Client.
type Feed interface {
	Start()
	Close()
	State() feed.State
	Connections() int
	LastError() string
	SendStatusRequest() error
	DrainUpdates() []protocol.StatusAndID
}

// FeedFactory opens a subscription for peers.
type FeedFactory func(peers []protocol.Identity) (Feed, error)
