package domain

import (
	"time"

	"github.com/google/uuid"
)

type Video struct {
	Id              uuid.UUID
	UUID            uuid.UUID
	URL             string
	Name            string
	Duration        int
	ChannelActorId  uuid.UUID
	Views           int
	Sensitive       bool
	State           int
	CommentsEnabled bool
	DownloadEnabled bool
	IsLive          bool
	Content         string
	Tags            []string
	RawJSON         string
	PublishedAt     time.Time
	UpdatedAt       time.Time
}

type Comment struct {
	Id          uuid.UUID
	URL         string
	ActorId     uuid.UUID
	InReplyTo   string
	Text        string
	PublishedAt time.Time
}

type RateType string

const (
	RateLike    RateType = "like"
	RateDislike RateType = "dislike"
)

// Rate is a like or dislike, unique per (actor, video).
type Rate struct {
	Id        uuid.UUID
	ActorId   uuid.UUID
	VideoURL  string
	Type      RateType
	URI       string
	CreatedAt time.Time
}

// Share is an Announce of a video, unique per (actor, video).
type Share struct {
	Id        uuid.UUID
	ActorId   uuid.UUID
	VideoURL  string
	URI       string
	CreatedAt time.Time
}

// Abuse is a report received through a Flag activity.
type Abuse struct {
	Id         uuid.UUID
	URI        string
	ReporterId uuid.UUID
	TargetURLs []string
	Reason     string
	CreatedAt  time.Time
}
