package activitypub

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/fedtube/util"
)

const (
	maxURLLength     = 2000
	maxFlagReasonLen = 3000
)

// InvalidError is returned by Validate for payloads that cannot be processed.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "invalid activity: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks one decoded JSON value and returns the matching Activity
// variant. Optional fields that are missing or malformed are defaulted;
// required ones make the whole activity invalid. It never panics.
func Validate(raw any) (activity Activity, err error) {
	defer func() {
		if r := recover(); r != nil {
			activity = nil
			err = invalid("malformed payload: %v", r)
		}
	}()

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid("activity is not an object")
	}
	return validateActivity(m)
}

func validateActivity(m map[string]any) (Activity, error) {
	env, err := validateEnvelope(m)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case "Follow":
		object, ok := objectId(m["object"])
		if !ok {
			return nil, invalid("follow object is not an actor url")
		}
		return &Follow{Envelope: env, Object: object}, nil

	case "Accept", "Reject":
		ref, err := followRef(m["object"])
		if err != nil {
			return nil, err
		}
		if env.Type == "Accept" {
			return &Accept{Envelope: env, Follow: ref}, nil
		}
		return &Reject{Envelope: env, Follow: ref}, nil

	case "Undo":
		inner, ok := m["object"].(map[string]any)
		if !ok {
			return nil, invalid("undo object is not an activity")
		}
		undone, err := validateActivity(inner)
		if err != nil {
			return nil, fmt.Errorf("undo: %w", err)
		}
		switch undone.(type) {
		case *Follow, *Like, *Dislike, *Announce:
		default:
			return nil, invalid("cannot undo %s", undone.Base().Type)
		}
		if undone.Base().Actor != env.Actor {
			return nil, invalid("undo actor %s does not match undone actor %s", env.Actor, undone.Base().Actor)
		}
		return &Undo{Envelope: env, Object: undone}, nil

	case "Create":
		object, ok := m["object"].(map[string]any)
		if !ok {
			return nil, invalid("create object is not an object")
		}
		switch object["type"] {
		case "Video":
			video, err := sanitizeVideo(object)
			if err != nil {
				return nil, err
			}
			return &Create{Envelope: env, Video: video}, nil
		case "Note":
			note, err := validateNote(object)
			if err != nil {
				return nil, err
			}
			return &Create{Envelope: env, Note: note}, nil
		}
		return nil, invalid("unsupported create object type %v", object["type"])

	case "Update":
		object, ok := m["object"].(map[string]any)
		if !ok {
			return nil, invalid("update object is not an object")
		}
		if object["type"] == "Video" {
			video, err := sanitizeVideo(object)
			if err != nil {
				return nil, err
			}
			return &Update{Envelope: env, Video: video}, nil
		}
		profile, err := validateActorObject(object)
		if err != nil {
			return nil, err
		}
		return &Update{Envelope: env, Profile: profile}, nil

	case "Delete", "Like", "Dislike", "Announce", "View":
		object, ok := objectId(m["object"])
		if !ok {
			return nil, invalid("%s object is not a url", strings.ToLower(env.Type))
		}
		switch env.Type {
		case "Delete":
			return &Delete{Envelope: env, Object: object}, nil
		case "Like":
			return &Like{Envelope: env, Object: object}, nil
		case "Dislike":
			return &Dislike{Envelope: env, Object: object}, nil
		case "Announce":
			return &Announce{Envelope: env, Object: object}, nil
		default:
			return &View{Envelope: env, Object: object}, nil
		}

	case "Flag":
		objects, ok := urlList(m["object"])
		if !ok || len(objects) == 0 {
			return nil, invalid("flag needs at least one object url")
		}
		content, _ := m["content"].(string)
		return &Flag{Envelope: env, Objects: objects, Content: util.Truncate(content, maxFlagReasonLen)}, nil
	}

	return &Unknown{Envelope: env}, nil
}

func validateEnvelope(m map[string]any) (Envelope, error) {
	env := Envelope{Raw: m}

	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return env, invalid("missing type")
	}
	env.Type = typ

	id, ok := m["id"].(string)
	if !ok || !isURL(id) {
		return env, invalid("%s has no valid id", typ)
	}
	env.Id = id

	actor, ok := objectId(m["actor"])
	if !ok {
		return env, invalid("%s %s has no valid actor", typ, id)
	}
	env.Actor = actor

	if published, ok := parseDate(m["published"]); ok {
		env.Published = published
	}
	return env, nil
}

func followRef(v any) (FollowRef, error) {
	switch o := v.(type) {
	case string:
		if isURL(o) {
			return FollowRef{Id: o}, nil
		}
	case map[string]any:
		if t, ok := o["type"]; ok && t != "Follow" {
			return FollowRef{}, invalid("referenced object is a %v, not a follow", t)
		}
		id, _ := o["id"].(string)
		actor, okActor := objectId(o["actor"])
		object, okObject := objectId(o["object"])
		if isURL(id) && okActor && okObject {
			return FollowRef{Id: id, Actor: actor, Object: object}, nil
		}
	}
	return FollowRef{}, invalid("object is not a follow reference")
}

func validateNote(m map[string]any) (*NoteObject, error) {
	id, _ := m["id"].(string)
	if !isURL(id) {
		return nil, invalid("note has no valid id")
	}
	content, ok := m["content"].(string)
	if !ok || content == "" {
		return nil, invalid("note %s has no content", id)
	}
	inReplyTo, ok := objectId(m["inReplyTo"])
	if !ok {
		return nil, invalid("note %s has no valid inReplyTo", id)
	}
	attributedTo, ok := objectId(m["attributedTo"])
	if !ok {
		return nil, invalid("note %s has no valid attributedTo", id)
	}
	published, ok := parseDate(m["published"])
	if !ok {
		return nil, invalid("note %s has no valid published date", id)
	}
	return &NoteObject{
		Id:           id,
		Content:      content,
		InReplyTo:    inReplyTo,
		AttributedTo: attributedTo,
		Published:    published,
	}, nil
}

var actorTypes = map[string]bool{
	"Person":       true,
	"Group":        true,
	"Application":  true,
	"Service":      true,
	"Organization": true,
}

func validateActorObject(m map[string]any) (*ActorObject, error) {
	typ, _ := m["type"].(string)
	if !actorTypes[typ] {
		return nil, invalid("unsupported actor type %q", typ)
	}
	a := &ActorObject{Type: typ}
	a.Id, _ = m["id"].(string)
	if !isURL(a.Id) {
		return nil, invalid("actor has no valid id")
	}
	a.Inbox, _ = m["inbox"].(string)
	if !isURL(a.Inbox) {
		return nil, invalid("actor %s has no valid inbox", a.Id)
	}
	a.PreferredUsername, _ = m["preferredUsername"].(string)
	if a.PreferredUsername == "" {
		return nil, invalid("actor %s has no preferredUsername", a.Id)
	}
	if key, ok := m["publicKey"].(map[string]any); ok {
		a.PublicKeyPem, _ = key["publicKeyPem"].(string)
	}
	if a.PublicKeyPem == "" {
		return nil, invalid("actor %s has no public key", a.Id)
	}
	a.Name, _ = m["name"].(string)
	if endpoints, ok := m["endpoints"].(map[string]any); ok {
		if shared, ok := endpoints["sharedInbox"].(string); ok && isURL(shared) {
			a.SharedInbox = shared
		}
	}
	return a, nil
}

func isURL(s string) bool {
	if s == "" || len(s) > maxURLLength {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// objectId accepts a URL string or an object carrying a URL id.
func objectId(v any) (string, bool) {
	switch o := v.(type) {
	case string:
		return o, isURL(o)
	case map[string]any:
		id, ok := o["id"].(string)
		return id, ok && isURL(id)
	}
	return "", false
}

func urlList(v any) ([]string, bool) {
	if list, ok := v.([]any); ok {
		urls := make([]string, 0, len(list))
		for _, item := range list {
			id, ok := objectId(item)
			if !ok {
				return nil, false
			}
			urls = append(urls, id)
		}
		return urls, true
	}
	id, ok := objectId(v)
	if !ok {
		return nil, false
	}
	return []string{id}, true
}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

// intValue accepts JSON numbers without a fraction and numeric strings.
func intValue(v any, min int) (int, bool) {
	var n int
	switch x := v.(type) {
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		n = int(x)
	case int:
		n = x
	case string:
		parsed, err := strconv.Atoi(x)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	return n, n >= min
}
