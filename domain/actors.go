package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ActorType string

const (
	ActorPerson       ActorType = "Person"
	ActorGroup        ActorType = "Group"
	ActorApplication  ActorType = "Application"
	ActorService      ActorType = "Service"
	ActorOrganization ActorType = "Organization"
)

// ServerActorName is the username of the instance actor that follows and
// is followed by other instances.
const ServerActorName = "peertube"

// Actor is a federated identity. Local actors have an empty Host and carry
// their private key; remote actors are cached copies refreshed on demand.
type Actor struct {
	Id             uuid.UUID
	Type           ActorType
	URL            string
	Username       string
	DisplayName    string
	InboxURL       string
	SharedInboxURL string
	PublicKeyPem   string
	PrivateKeyPem  string
	Host           string
	ServerId       *uuid.UUID
	CreatedAt      time.Time
	LastFetchedAt  time.Time
}

func (a *Actor) IsLocal() bool {
	return a.Host == ""
}

// DeliveryInbox prefers the shared inbox of a remote server.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

func (a *Actor) KeyID() string {
	return a.URL + "#main-key"
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tType: %s \n\tURL: %s \n\tHost: %s", a.Id, a.Type, a.URL, a.Host)
}

// Server is a remote instance. RedundancyAllowed gates mirroring of its videos.
type Server struct {
	Id                uuid.UUID
	Host              string
	RedundancyAllowed bool
	CreatedAt         time.Time
}
