package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

// EventType is the closed set of ingestible event kinds.
type EventType string

const (
	EventBrowserTab EventType = "browser_tab"
	EventSystemApp  EventType = "system_app"
	EventEmail      EventType = "email"
	EventCode       EventType = "code"
	EventGitHub     EventType = "github"
	EventLearning   EventType = "learning"
	EventChat       EventType = "chat"
	EventDocument   EventType = "document"
)

// BaseEvent is one captured activity. Metadata shape depends on Type.
type BaseEvent struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	Type      EventType      `json:"type" yaml:"type" validate:"required"`
	Timestamp int64          `json:"timestamp" yaml:"timestamp" validate:"gt=0"`
	Source    string         `json:"source" yaml:"source"`
	SessionID string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	Metadata  store.Metadata `json:"metadata" yaml:"metadata"`
}

// recipe turns a validated event into a node.
type recipe struct {
	nodeType store.NodeType
	tag      string
	// required metadata fields; at least one of anyOf must be present.
	required []string
	anyOf    []string
	content  []string
	action   string
}

var recipes = map[EventType]recipe{
	EventBrowserTab: {
		nodeType: store.NodeActivity, tag: "browser_activity",
		required: []string{"url"}, content: []string{"title", "url"}, action: "navigate",
	},
	EventSystemApp: {
		nodeType: store.NodeActivity, tag: "system_activity",
		required: []string{"appName"}, content: []string{"appName", "windowTitle", "action"}, action: "focus",
	},
	EventEmail: {
		nodeType: store.NodeEmail, tag: "email_activity",
		required: []string{"subject"}, content: []string{"subject", "from", "provider"},
	},
	EventCode: {
		nodeType: store.NodeCode, tag: "code_activity",
		anyOf: []string{"file", "repository"}, content: []string{"repository", "file", "language", "action"},
	},
	EventGitHub: {
		nodeType: store.NodeGitHub, tag: "github_activity",
		required: []string{"repository"}, content: []string{"repository", "title", "action", "url"},
	},
	EventLearning: {
		nodeType: store.NodeLearning, tag: "learning_activity",
		required: []string{"title"}, content: []string{"title", "platform", "url"},
	},
	EventChat: {
		nodeType: store.NodeActivity, tag: "communication_activity",
		required: []string{"platform"}, content: []string{"platform", "channel", "summary"},
	},
	EventDocument: {
		nodeType: store.NodeResource, tag: "resource",
		anyOf: []string{"title", "url", "path"}, content: []string{"title", "path", "url"},
	},
}

var eventValidator = validator.New()

// EventTypes lists the accepted event types.
func EventTypes() []EventType {
	return []EventType{EventBrowserTab, EventSystemApp, EventEmail, EventCode, EventGitHub, EventLearning, EventChat, EventDocument}
}

// NodeFromEvent validates ev and builds its node. Missing optional fields
// are tolerated; a missing or non-string required field is a
// ValidationError.
func NodeFromEvent(ev *BaseEvent) (*store.Node, error) {
	if err := eventValidator.Struct(ev); err != nil {
		return nil, eventError(ev, err)
	}
	r, ok := recipes[ev.Type]
	if !ok {
		return nil, apperrors.Validation("event", "event %q: unknown type %q", ev.ID, ev.Type)
	}
	for _, f := range r.required {
		if _, err := requiredString(ev, f); err != nil {
			return nil, err
		}
	}
	if len(r.anyOf) > 0 {
		found := false
		for _, f := range r.anyOf {
			if s, ok := ev.Metadata[f].(string); ok && strings.TrimSpace(s) != "" {
				found = true
				break
			}
		}
		if !found {
			return nil, apperrors.Validation("event", "event %q: one of %s is required", ev.ID, strings.Join(r.anyOf, ", "))
		}
	}

	meta := store.Metadata{}
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	if r.action != "" && meta.String("action") == "" {
		meta["action"] = r.action
	}
	if ev.Source != "" {
		meta["source"] = ev.Source
	}
	if ev.SessionID != "" {
		meta["sessionId"] = ev.SessionID
	}

	var parts []string
	for _, f := range r.content {
		if s := strings.TrimSpace(meta.String(f)); s != "" {
			parts = append(parts, s)
		}
	}
	tags := store.Tags{r.tag}
	if ev.Type == EventBrowserTab {
		if d := domainOf(meta.String("url")); d != "" {
			meta["domain"] = d
			tags = tags.Add(d)
		}
	}
	if lang := strings.ToLower(meta.String("language")); lang != "" {
		tags = tags.Add(lang)
	}
	content := strings.Join(parts, " ")
	if topic, ok := detectTopic(content); ok {
		meta["topic"] = topic.String()
		tags = tags.Add(topic.String())
	}

	return &store.Node{
		Type:       r.nodeType,
		Timestamp:  ev.Timestamp,
		Content:    content,
		Metadata:   meta,
		Tags:       tags,
		SourceType: string(ev.Type),
	}, nil
}

func requiredString(ev *BaseEvent, field string) (string, error) {
	v, ok := ev.Metadata[field]
	if !ok || v == nil {
		return "", apperrors.Validation("event", "event %q: metadata.%s is required", ev.ID, field)
	}
	s, ok := v.(string)
	if !ok {
		return "", apperrors.Validation("event", "event %q: metadata.%s must be a string, got %T", ev.ID, field, v)
	}
	if strings.TrimSpace(s) == "" {
		return "", apperrors.Validation("event", "event %q: metadata.%s is empty", ev.ID, field)
	}
	return s, nil
}

func eventError(ev *BaseEvent, err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return apperrors.Validation("event", "event %q: %v", ev.ID, err)
	}
	e := verrs[0]
	return apperrors.Validation("event", "event %q: %s failed %s", ev.ID, e.Field(), e.Tag())
}

// domainOf returns the host of raw without a leading "www.". Scheme-less
// input such as "github.com/user/repo" is accepted.
func domainOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// EventError is one rejected event in a ProcessingResult.
type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e EventError) Error() string {
	return fmt.Sprintf("event %d (%s): %s", e.Index, e.EventID, e.Message)
}
