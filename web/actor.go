package web

import (
	"fmt"
	"net/http"

	"github.com/deemkeen/fedtube/domain"
	"github.com/gin-gonic/gin"
)

// localAccount resolves :name to a local Person, or to the instance actor.
func (s *Server) localAccount(c *gin.Context) (*domain.Actor, error) {
	name := c.Param("name")
	actor, err := s.deps.DB.ReadLocalActor(c.Request.Context(), name, domain.ActorPerson)
	if err == nil {
		return actor, nil
	}
	return s.deps.DB.ReadLocalActor(c.Request.Context(), name, domain.ActorApplication)
}

func (s *Server) localChannel(c *gin.Context) (*domain.Actor, error) {
	return s.deps.DB.ReadLocalActor(c.Request.Context(), c.Param("name"), domain.ActorGroup)
}

func (s *Server) handleActor(lookup ownerLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := lookup(c)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
			return
		}
		c.Header("Content-Type", activityJSON)
		c.JSON(http.StatusOK, s.actorDocument(actor))
	}
}

// actorDocument renders a local actor with its public key.
func (s *Server) actorDocument(a *domain.Actor) gin.H {
	name := a.DisplayName
	if name == "" {
		name = a.Username
	}
	return gin.H{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        a.URL,
		"type":                      string(a.Type),
		"preferredUsername":         a.Username,
		"name":                      name,
		"url":                       a.URL,
		"inbox":                     a.InboxURL,
		"followers":                 a.URL + "/followers",
		"following":                 a.URL + "/following",
		"manuallyApprovesFollowers": !s.conf.Federation.AutoAcceptFollowers,
		"endpoints": gin.H{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", s.conf.Conf.SslDomain),
		},
		"publicKey": gin.H{
			"id":           a.KeyID(),
			"owner":        a.URL,
			"publicKeyPem": a.PublicKeyPem,
		},
	}
}
