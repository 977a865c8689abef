package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/fedtube/domain"
	"github.com/gin-gonic/gin"
)

// handleWebfinger answers acct:name@domain for local accounts and channels.
func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource must be an acct: uri"})
		return
	}
	name, host, found := strings.Cut(strings.TrimPrefix(resource, "acct:"), "@")
	if !found || host != s.conf.Conf.SslDomain {
		c.JSON(http.StatusNotFound, WebFingerNotFound())
		return
	}

	ctx := c.Request.Context()
	var actor *domain.Actor
	var err error
	for _, t := range []domain.ActorType{domain.ActorPerson, domain.ActorApplication, domain.ActorGroup} {
		if actor, err = s.deps.DB.ReadLocalActor(ctx, name, t); err == nil {
			break
		}
	}
	if err != nil {
		c.JSON(http.StatusNotFound, WebFingerNotFound())
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, gin.H{
		"subject": fmt.Sprintf("acct:%s@%s", actor.Username, s.conf.Conf.SslDomain),
		"aliases": []string{actor.URL},
		"links": []gin.H{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": actor.URL,
			},
		},
	})
}

func WebFingerNotFound() gin.H {
	return gin.H{"detail": "Not Found"}
}
