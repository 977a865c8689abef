package activitypub

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/deemkeen/fedtube/util"
	"github.com/google/uuid"
)

const (
	videoNameMin        = 3
	videoNameMax        = 120
	videoTagMin         = 2
	videoTagMax         = 30
	videoContentMax     = 250
	videoStatePublished = 1
	videoStateMax       = 5

	mimeHLS     = "application/x-mpegURL"
	mimeTorrent = "application/x-bittorrent"
	mimeMagnet  = "application/x-bittorrent;x-scheme-handler/magnet"
)

var videoMimeTypes = []string{"video/mp4", "video/webm", "video/ogg"}

// sanitizeVideo checks a remote Video object. Tags, urls, icons and
// subtitle languages are filtered to their valid entries, missing flags get
// their defaults, and anything structurally required makes the video invalid.
func sanitizeVideo(m map[string]any) (*VideoObject, error) {
	v := &VideoObject{}

	v.Id, _ = m["id"].(string)
	if !isURL(v.Id) {
		return nil, invalid("video has no valid id")
	}

	var ok bool
	if v.Tags, ok = videoTags(m["tag"]); !ok {
		return nil, invalid("video %s has invalid tags", v.Id)
	}
	if v.URLs, ok = videoURLs(m["url"]); !ok {
		return nil, invalid("video %s has no playable url", v.Id)
	}
	if v.Content, ok = videoContent(m["content"], m["mediaType"]); !ok {
		return nil, invalid("video %s has invalid content", v.Id)
	}
	if v.AttributedTo = attributedTo(m["attributedTo"]); len(v.AttributedTo) == 0 {
		return nil, invalid("video %s has invalid attributedTo", v.Id)
	}
	if v.SubtitleLanguages, ok = subtitleLanguages(m["subtitleLanguage"]); !ok {
		return nil, invalid("video %s has invalid captions", v.Id)
	}
	if v.Icons = videoIcons(m["icon"]); len(v.Icons) == 0 {
		return nil, invalid("video %s has invalid icons", v.Id)
	}

	v.State = videoStatePublished
	if state, ok := intValue(m["state"], videoStatePublished); ok && state <= videoStateMax {
		v.State = state
	}
	v.WaitTranscoding = boolOr(m["waitTranscoding"], false)
	v.DownloadEnabled = boolOr(m["downloadEnabled"], true)
	v.CommentsEnabled = boolOr(m["commentsEnabled"], false)
	v.IsLiveBroadcast = boolOr(m["isLiveBroadcast"], false)
	v.LiveSaveReplay = boolOr(m["liveSaveReplay"], false)
	v.PermanentLive = boolOr(m["permanentLive"], false)

	v.Name, _ = m["name"].(string)
	if n := utf8.RuneCountInString(v.Name); n < videoNameMin || n > videoNameMax {
		return nil, invalid("video %s has invalid name", v.Id)
	}
	if v.Duration, ok = videoDuration(m["duration"]); !ok {
		return nil, invalid("video %s has invalid duration", v.Id)
	}
	rawUUID, _ := m["uuid"].(string)
	parsed, err := uuid.Parse(rawUUID)
	if err != nil {
		return nil, invalid("video %s has invalid uuid", v.Id)
	}
	v.UUID = parsed

	if c, present := m["category"]; present && c != nil {
		if v.Category, ok = numberIdentifier(c); !ok {
			return nil, invalid("video %s has invalid category", v.Id)
		}
	}
	if l, present := m["licence"]; present && l != nil {
		if v.Licence, ok = numberIdentifier(l); !ok {
			return nil, invalid("video %s has invalid licence", v.Id)
		}
	}
	if l, present := m["language"]; present && l != nil {
		if v.Language, ok = stringIdentifier(l); !ok {
			return nil, invalid("video %s has invalid language", v.Id)
		}
	}

	if v.Views, ok = intValue(m["views"], 0); !ok {
		return nil, invalid("video %s has invalid views", v.Id)
	}
	if v.Sensitive, ok = m["sensitive"].(bool); !ok {
		return nil, invalid("video %s has invalid sensitive flag", v.Id)
	}
	if v.Published, ok = parseDate(m["published"]); !ok {
		return nil, invalid("video %s has invalid published date", v.Id)
	}
	if v.Updated, ok = parseDate(m["updated"]); !ok {
		return nil, invalid("video %s has invalid updated date", v.Id)
	}
	if op, present := m["originallyPublishedAt"]; present && op != nil {
		t, ok := parseDate(op)
		if !ok {
			return nil, invalid("video %s has invalid originallyPublishedAt", v.Id)
		}
		v.OriginallyPublishedAt = &t
	}

	return v, nil
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// videoDuration parses the "PT<seconds>S" form.
func videoDuration(v any) (int, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "PT") || !strings.HasSuffix(s, "S") {
		return 0, false
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	return intValue(digits, 0)
}

func videoTags(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	tags := []string{}
	for _, item := range list {
		t, ok := item.(map[string]any)
		if !ok || t["type"] != "Hashtag" {
			continue
		}
		name, _ := t["name"].(string)
		if n := utf8.RuneCountInString(name); n >= videoTagMin && n <= videoTagMax {
			tags = append(tags, name)
		}
	}
	return tags, true
}

func videoURLs(v any) ([]VideoURL, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	var urls []VideoURL
	playable := false
	for _, item := range list {
		u, ok := item.(map[string]any)
		if !ok {
			continue
		}
		parsed, isPlayable, ok := videoURL(u)
		if !ok {
			continue
		}
		playable = playable || isPlayable
		urls = append(urls, parsed)
	}
	return urls, playable
}

// videoURL recognizes file, torrent, magnet, HLS, tracker and metadata links.
func videoURL(u map[string]any) (VideoURL, bool, bool) {
	href, _ := u["href"].(string)
	mediaType, _ := u["mediaType"].(string)
	rel := stringList(u["rel"])
	height, hasHeight := intValue(u["height"], 0)
	parsed := VideoURL{MediaType: mediaType, Href: href, Height: height, Rel: rel}
	link := u["type"] == "Link"

	switch {
	case link && slices.Contains(videoMimeTypes, mediaType):
		_, hasSize := intValue(u["size"], 0)
		fpsOK := true
		if fps, present := u["fps"]; present && fps != nil {
			_, fpsOK = intValue(fps, -1)
		}
		if isURL(href) && hasHeight && hasSize && fpsOK {
			return parsed, true, true
		}
	case link && mediaType == mimeTorrent:
		if isURL(href) && hasHeight {
			return parsed, true, true
		}
	case link && mediaType == mimeMagnet:
		if utf8.RuneCountInString(href) >= 5 && hasHeight {
			return parsed, true, true
		}
	}

	if link {
		if mediaType == "" {
			mediaType, _ = u["mimeType"].(string)
			parsed.MediaType = mediaType
		}
		if _, isList := u["tag"].([]any); mediaType == mimeHLS && isURL(href) && isList {
			return parsed, true, true
		}
		if mediaType == "application/json" && slices.Contains(rel, "metadata") {
			return parsed, false, true
		}
	}
	if slices.Contains(rel, "tracker") && isURL(href) {
		return parsed, false, true
	}
	return VideoURL{}, false, false
}

func videoContent(content, mediaType any) (string, bool) {
	if content == nil {
		return "", true
	}
	s, ok := content.(string)
	if !ok {
		return "", false
	}
	if s == "" {
		return "", true
	}
	if mediaType != "text/markdown" {
		return "", false
	}
	return util.Truncate(s, videoContentMax), true
}

func attributedTo(v any) []AttributedTo {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var result []AttributedTo
	for _, item := range list {
		a, ok := item.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := a["type"].(string)
		id, _ := a["id"].(string)
		if (typ == "Person" || typ == "Group") && isURL(id) {
			result = append(result, AttributedTo{Type: typ, Id: id})
		}
	}
	return result
}

func subtitleLanguages(v any) ([]string, bool) {
	if v == nil {
		return []string{}, true
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	languages := []string{}
	for _, item := range list {
		if id, ok := stringIdentifier(item); ok {
			languages = append(languages, id)
		}
	}
	return languages, true
}

func videoIcons(v any) []VideoIcon {
	var list []any
	switch x := v.(type) {
	case []any:
		list = x
	case map[string]any:
		list = []any{x}
	}
	var icons []VideoIcon
	for _, item := range list {
		icon, ok := item.(map[string]any)
		if !ok || icon["type"] != "Image" || icon["mediaType"] != "image/jpeg" {
			continue
		}
		u, _ := icon["url"].(string)
		width, okWidth := intValue(icon["width"], 0)
		height, okHeight := intValue(icon["height"], 0)
		if isURL(u) && okWidth && okHeight {
			icons = append(icons, VideoIcon{URL: u, Width: width, Height: height})
		}
	}
	return icons
}

func numberIdentifier(v any) (int, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	return intValue(m["identifier"], 0)
}

func stringIdentifier(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["identifier"].(string)
	return id, ok
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
