package action

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// actionTagRe matches one tagged action block in raw reasoning output,
// either paired or self-closing:
//
//	<write path="/www/index.html" mode="append">content</write>
//	<fetch url="https://example.org/"/>
//
// The tag name is the action kind; attributes carry the variant fields.
var actionTagRe = regexp.MustCompile(`(?s)<(write|serve|think|checkpoint|message|fetch|execute|image|delegate|set_schedule)\b([^>]*?)(?:/>|>(.*?)</([a-z_]+)>)`)

var attrRe = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)

// Parse extracts actions from raw reasoning output. Unknown or
// malformed tags are dropped with a warning, never fatally.
func Parse(raw string, log *zap.Logger) []Action {
	if log == nil {
		log = zap.NewNop()
	}

	var actions []Action
	for _, m := range actionTagRe.FindAllStringSubmatch(raw, -1) {
		kind, rawAttrs, body, closing := m[1], m[2], m[3], m[4]
		if closing != "" && closing != kind {
			log.Warn("mismatched action tag dropped",
				zap.String("kind", kind), zap.String("closing", closing))
			continue
		}

		attrs := map[string]string{}
		for _, am := range attrRe.FindAllStringSubmatch(rawAttrs, -1) {
			attrs[am[1]] = am[2]
		}
		body = strings.TrimSpace(body)

		a, ok := build(Kind(kind), attrs, body)
		if !ok {
			log.Warn("malformed action tag dropped",
				zap.String("kind", kind), zap.Any("attrs", attrs))
			continue
		}
		actions = append(actions, a)
	}
	return actions
}

func build(kind Kind, attrs map[string]string, body string) (Action, bool) {
	switch kind {
	case KindWrite:
		if attrs["path"] == "" {
			return nil, false
		}
		mode := ModeOverwrite
		if WriteMode(attrs["mode"]) == ModeAppend {
			mode = ModeAppend
		}
		return Write{Path: attrs["path"], Content: body, Mode: mode}, true
	case KindServe:
		if attrs["path"] == "" {
			return nil, false
		}
		return Serve{Path: attrs["path"], Content: body}, true
	case KindThink:
		return Think{Content: body}, true
	case KindCheckpoint:
		label := attrs["label"]
		if label == "" {
			label = body
		}
		return Checkpoint{Label: label}, true
	case KindMessage:
		if attrs["to"] == "" {
			return nil, false
		}
		return Message{Recipient: attrs["to"], Content: body}, true
	case KindFetch:
		url := attrs["url"]
		if url == "" {
			url = body
		}
		if url == "" {
			return nil, false
		}
		return Fetch{URL: url}, true
	case KindExecute:
		command := body
		if command == "" {
			command = attrs["command"]
		}
		if command == "" {
			return nil, false
		}
		var timeout time.Duration
		if secs, err := strconv.Atoi(attrs["timeout"]); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
		return Execute{Command: command, Timeout: timeout, WorkingDir: attrs["dir"]}, true
	case KindImage:
		if body == "" {
			return nil, false
		}
		return Image{Prompt: body, Path: attrs["path"]}, true
	case KindDelegate:
		if attrs["path"] == "" {
			return nil, false
		}
		taskType := attrs["task"]
		if taskType == "" {
			taskType = "general"
		}
		return Delegate{TaskType: taskType, Path: attrs["path"], Brief: body}, true
	case KindSetSchedule:
		expr := attrs["cron"]
		if expr == "" {
			expr = body
		}
		if expr == "" {
			return nil, false
		}
		return SetSchedule{Cron: expr}, true
	}
	return nil, false
}
