package activitypub

import (
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
)

// Activity is one validated inbound activity. The set of implementations is
// closed: every value returned by Validate is one of the pointer types below.
type Activity interface {
	Base() *Envelope
	isActivity()
}

// Envelope holds the fields shared by every activity.
type Envelope struct {
	Id        string
	Type      string
	Actor     string
	Published time.Time
	Raw       map[string]any
}

func (e *Envelope) Base() *Envelope { return e }
func (e *Envelope) isActivity()     {}

// FollowRef identifies a Follow either by URL only or by its embedded
// (id, actor, object) triple.
type FollowRef struct {
	Id     string
	Actor  string
	Object string
}

// Embedded reports whether the follower and followee are known.
func (f FollowRef) Embedded() bool {
	return f.Actor != "" && f.Object != ""
}

type Create struct {
	Envelope
	Video *VideoObject
	Note  *NoteObject
}

type Update struct {
	Envelope
	Video   *VideoObject
	Profile *ActorObject
}

type Delete struct {
	Envelope
	Object string
}

type Follow struct {
	Envelope
	Object string
}

type Accept struct {
	Envelope
	Follow FollowRef
}

type Reject struct {
	Envelope
	Follow FollowRef
}

// Undo wraps a *Follow, *Like, *Dislike or *Announce.
type Undo struct {
	Envelope
	Object Activity
}

type Like struct {
	Envelope
	Object string
}

type Dislike struct {
	Envelope
	Object string
}

type Announce struct {
	Envelope
	Object string
}

type Flag struct {
	Envelope
	Objects []string
	Content string
}

type View struct {
	Envelope
	Object string
}

// Unknown carries an activity whose type is not handled here.
type Unknown struct {
	Envelope
}

// VideoObject is a sanitized remote Video.
type VideoObject struct {
	Id                    string
	UUID                  uuid.UUID
	Name                  string
	Duration              int
	Views                 int
	Sensitive             bool
	State                 int
	WaitTranscoding       bool
	DownloadEnabled       bool
	CommentsEnabled       bool
	IsLiveBroadcast       bool
	LiveSaveReplay        bool
	PermanentLive         bool
	Category              int
	Licence               int
	Language              string
	Content               string
	Published             time.Time
	Updated               time.Time
	OriginallyPublishedAt *time.Time
	AttributedTo          []AttributedTo
	Tags                  []string
	URLs                  []VideoURL
	Icons                 []VideoIcon
	SubtitleLanguages     []string
}

// Channel returns the first Group the video is attributed to, falling back
// to the first attributed actor.
func (v *VideoObject) Channel() string {
	for _, a := range v.AttributedTo {
		if a.Type == "Group" {
			return a.Id
		}
	}
	if len(v.AttributedTo) > 0 {
		return v.AttributedTo[0].Id
	}
	return ""
}

type AttributedTo struct {
	Type string
	Id   string
}

type VideoURL struct {
	MediaType string
	Href      string
	Height    int
	Rel       []string
}

type VideoIcon struct {
	URL    string
	Width  int
	Height int
}

// NoteObject is a video comment.
type NoteObject struct {
	Id           string
	Content      string
	InReplyTo    string
	AttributedTo string
	Published    time.Time
}

// ActorObject is a remote actor profile, as sent in Update or fetched.
type ActorObject struct {
	Id                string
	Type              string
	PreferredUsername string
	Name              string
	Inbox             string
	SharedInbox       string
	PublicKeyPem      string
}

// Task is one inbound delivery: the activities that survived validation, the
// actor that signed the request and the local inbox owner, if any.
type Task struct {
	Activities     []Activity
	SignatureActor *domain.Actor
	InboxOwner     *domain.Actor
}
