package domain

import (
	"time"

	"github.com/google/uuid"
)

type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
)

const (
	FollowScoreBase = 1000
	FollowScoreMax  = 10000
	FollowScoreMin  = 0
)

// Follow is a directed relationship between two actors, unique per pair.
type Follow struct {
	Id            uuid.UUID
	ActorId       uuid.UUID // follower
	TargetActorId uuid.UUID // following
	URI           string    // Follow activity URI
	State         FollowState
	Score         float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Activity is the inbound activity log used for deduplication.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
}

// DeliveryQueueItem is one outbound activity waiting for its target inbox.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActorId      uuid.UUID // local signer
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// VideoRedundancy is a local mirror of a video owned by a remote server.
type VideoRedundancy struct {
	Id             uuid.UUID
	VideoURL       string
	OriginServerId uuid.UUID
	State          string
	CreatedAt      time.Time
}
