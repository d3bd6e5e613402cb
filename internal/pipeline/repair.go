package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/model"
)

// ParseResult is the outcome of parsing one model response.
type ParseResult struct {
	OK       bool             `json:"ok"`
	Data     []model.EventDTO `json:"data"`
	Repaired bool             `json:"repaired"`
	// SchemaDropped counts items that parsed but failed validation.
	SchemaDropped int   `json:"schema_dropped"`
	Err           error `json:"-"`
}

// ErrNoJSON is returned when a response holds no JSON object or array.
var ErrNoJSON = eris.New("no JSON object or array found")

// rawEvent mirrors EventDTO with loose speaker entries.
type rawEvent struct {
	Title     string             `json:"title"`
	StartsAt  string             `json:"starts_at"`
	EndsAt    string             `json:"ends_at"`
	City      string             `json:"city"`
	Country   string             `json:"country"`
	Venue     string             `json:"venue"`
	Organizer string             `json:"organizer"`
	URL       string             `json:"url"`
	Topics    []string           `json:"topics"`
	Speakers  []model.RawSpeaker `json:"speakers"`
}

// ParseWithRepair parses raw model output into schema-valid events. Items
// that fail validation are dropped one by one.
func ParseWithRepair(raw string) ParseResult {
	return parseEvents(raw, "")
}

// parseEvents is ParseWithRepair with a default url for items that omit it.
func parseEvents(raw, sourceURL string) ParseResult {
	var res ParseResult

	candidate := largestBalanced(stripFence(raw))
	items, err := decodeItems(candidate)
	if err != nil {
		repaired := TryRepairJSON(raw)
		items, err = decodeItems(repaired)
		if err != nil {
			res.Err = eris.Wrap(err, "parse extraction")
			return res
		}
		res.Repaired = true
	}

	res.OK = true
	res.Data = make([]model.EventDTO, 0, len(items))
	for i, item := range items {
		err := item.err
		ev := item.ev.toEvent(sourceURL)
		if err == nil {
			err = ev.Validate()
		} else {
			ev.Title = item.title
		}
		if err != nil {
			res.SchemaDropped++
			zap.L().Debug("extract: dropping invalid event",
				zap.Int("index", i),
				zap.String("title", ev.Title),
				zap.Error(err),
			)
			continue
		}
		res.Data = append(res.Data, ev)
	}
	return res
}

// decodedItem is one element of a model response. err is set when the
// element is well-formed JSON but does not fit the event shape.
type decodedItem struct {
	ev    rawEvent
	title string
	err   error
}

func decodeItem(v gjson.Result) decodedItem {
	item := decodedItem{title: strings.TrimSpace(v.Get("title").String())}
	if !v.IsObject() {
		item.err = eris.New("event is not an object")
		return item
	}
	if err := json.Unmarshal([]byte(v.Raw), &item.ev); err != nil {
		item.err = eris.Wrap(err, "decode event")
	}
	return item
}

func (r rawEvent) toEvent(sourceURL string) model.EventDTO {
	ev := model.EventDTO{
		Title:     strings.TrimSpace(r.Title),
		StartsAt:  strings.TrimSpace(r.StartsAt),
		EndsAt:    strings.TrimSpace(r.EndsAt),
		City:      strings.TrimSpace(r.City),
		Country:   strings.ToUpper(strings.TrimSpace(r.Country)),
		Venue:     strings.TrimSpace(r.Venue),
		Organizer: strings.TrimSpace(r.Organizer),
		URL:       strings.TrimSpace(r.URL),
		Topics:    r.Topics,
		SourceURL: sourceURL,
	}
	if ev.URL == "" {
		ev.URL = sourceURL
	}
	for _, s := range r.Speakers {
		ev.Speakers = append(ev.Speakers, model.SpeakerDTO(s))
	}
	return ev
}

// decodeItems accepts a single event object, an array of events, or an
// object wrapping an "events" array. Only a response that is not JSON at
// all is an error; items that do not fit the event shape are returned with
// their decode error set.
func decodeItems(s string) ([]decodedItem, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoJSON
	}
	if !gjson.Valid(s) {
		return nil, eris.New("invalid JSON")
	}

	parsed := gjson.Parse(s)
	switch {
	case parsed.IsArray():
		return decodeArray(parsed), nil
	case parsed.IsObject():
		if events := parsed.Get("events"); events.IsArray() {
			return decodeArray(events), nil
		}
		return []decodedItem{decodeItem(parsed)}, nil
	default:
		return nil, ErrNoJSON
	}
}

// decodeArray decodes each element separately so one malformed item does
// not take the batch with it.
func decodeArray(arr gjson.Result) []decodedItem {
	out := []decodedItem{}
	arr.ForEach(func(_, v gjson.Result) bool {
		out = append(out, decodeItem(v))
		return true
	})
	return out
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// TryRepairJSON applies textual repairs to near-JSON model output. Valid
// JSON comes back trimmed and otherwise unchanged, so the function is
// idempotent on its own valid output.
func TryRepairJSON(s string) string {
	if t := strings.TrimSpace(s); gjson.Valid(t) {
		return t
	}
	out := stripFence(s)
	out = stripComments(out)
	out = balancedRegion(out, true)
	out = singleToDoubleQuotes(out)
	out = quoteBareKeys(out)
	out = stripTrailingCommas(out)
	return strings.TrimSpace(out)
}

func stripFence(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	// An unterminated fence still prefixes the payload.
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		return rest
	}
	return s
}

// scanner walks JSON-ish text tracking double-quoted strings.
type scanner struct {
	inString bool
	escaped  bool
}

// step reports whether c is inside a string after consuming it.
func (sc *scanner) step(c byte) bool {
	if sc.inString {
		switch {
		case sc.escaped:
			sc.escaped = false
		case c == '\\':
			sc.escaped = true
		case c == '"':
			sc.inString = false
		}
		return true
	}
	if c == '"' {
		sc.inString = true
		return true
	}
	return false
}

func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var sc scanner
	for i := 0; i < len(s); i++ {
		c := s[i]
		// "://" is a URL scheme, possibly inside a single-quoted string.
		if !sc.inString && c == '/' && i+1 < len(s) && (i == 0 || s[i-1] != ':') {
			switch s[i+1] {
			case '/':
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return b.String()
				}
				i += end + 3
				continue
			}
		}
		sc.step(c)
		b.WriteByte(c)
	}
	return b.String()
}

// largestBalanced returns the longest top-level {...} or [...] region of s.
func largestBalanced(s string) string {
	return balancedRegion(s, false)
}

// balancedRegion is largestBalanced that can also close a region cut off
// at the end of s.
func balancedRegion(s string, closeOpen bool) string {
	var sc scanner
	var stack []byte
	var best string
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if sc.step(c) {
			continue
		}
		switch c {
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			if !matches(stack[len(stack)-1], c) {
				stack = stack[:0]
				start = -1
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && start >= 0 {
				if i+1-start > len(best) {
					best = s[start : i+1]
				}
				start = -1
			}
		}
	}
	if best != "" || !closeOpen || len(stack) == 0 || start < 0 {
		return best
	}
	return closeTruncated(s[start:], stack, sc.inString)
}

func matches(open, closer byte) bool {
	return (open == '{' && closer == '}') || (open == '[' && closer == ']')
}

// closeTruncated finishes a region cut off mid-output.
func closeTruncated(s string, stack []byte, inString bool) string {
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	out := strings.TrimRight(b.String(), " \t\r\n,:")
	b.Reset()
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// singleToDoubleQuotes rewrites 'single-quoted' strings outside of
// double-quoted ones.
func singleToDoubleQuotes(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	var sc scanner
	for i := 0; i < len(s); i++ {
		c := s[i]
		if sc.inString || c != '\'' || !opensValue(s, i) {
			sc.step(c)
			b.WriteByte(c)
			continue
		}
		b.WriteByte('"')
		i++
		for ; i < len(s); i++ {
			c = s[i]
			if c == '\\' && i+1 < len(s) && s[i+1] == '\'' {
				b.WriteByte('\'')
				i++
				continue
			}
			if c == '\'' {
				break
			}
			if c == '"' {
				b.WriteString(`\"`)
				continue
			}
			b.WriteByte(c)
		}
		b.WriteByte('"')
	}
	return b.String()
}

// opensValue reports whether the quote at i follows a JSON delimiter, which
// tells a quoted token apart from an apostrophe in bare text.
func opensValue(s string, i int) bool {
	for j := i - 1; j >= 0; j-- {
		switch s[j] {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[', ',', ':':
			return true
		default:
			return false
		}
	}
	return true
}

// quoteBareKeys turns {key: 1} into {"key": 1}.
func quoteBareKeys(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	var sc scanner
	expectKey := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if sc.step(c) {
			expectKey = false
			b.WriteByte(c)
			continue
		}
		switch {
		case c == '{' || c == ',':
			expectKey = true
			b.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			b.WriteByte(c)
		case expectKey && isIdentStart(c):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			k := j
			for k < len(s) && (s[k] == ' ' || s[k] == '\t') {
				k++
			}
			if k < len(s) && s[k] == ':' {
				b.WriteByte('"')
				b.WriteString(s[i:j])
				b.WriteByte('"')
			} else {
				b.WriteString(s[i:j])
			}
			i = j - 1
			expectKey = false
		default:
			expectKey = false
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

// stripTrailingCommas removes commas directly before a closing bracket.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var sc scanner
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.inString && c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\r' || s[j] == '\n') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		sc.step(c)
		b.WriteByte(c)
	}
	return b.String()
}
