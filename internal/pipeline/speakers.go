package pipeline

import (
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/attendry/internal/model"
)

// honorifics are stripped before the name shape check but kept in output.
var honorifics = map[string]bool{
	"dr": true, "prof": true, "professor": true, "mr": true, "mrs": true,
	"ms": true, "mx": true, "sir": true, "dame": true, "hon": true,
	"rev": true, "me": true, "mag": true, "ing": true, "dipl": true,
}

// nameParticles may appear lowercased inside a surname.
var nameParticles = map[string]bool{
	"van": true, "von": true, "der": true, "den": true, "de": true, "da": true,
	"del": true, "della": true, "di": true, "du": true, "des": true, "la": true,
	"le": true, "bin": true, "binti": true, "al": true, "el": true, "dos": true,
	"das": true, "ten": true, "ter": true, "y": true, "zu": true,
}

// eventVocabulary are words that mark an agenda entry, placeholder, or role
// rather than a person.
var eventVocabulary = map[string]bool{
	"agenda": true, "announced": true, "award": true, "awards": true,
	"book": true, "break": true, "breakout": true, "chat": true,
	"closing": true, "coffee": true, "conference": true, "day": true,
	"dinner": true, "discussion": true, "exhibition": true, "exhibitor": true,
	"exhibitors": true, "fireside": true, "guest": true, "introduction": true,
	"keynote": true, "lunch": true, "more": true, "moderator": true,
	"networking": true, "now": true, "opening": true, "organizer": true,
	"organizers": true, "panel": true, "panelist": true, "panelists": true,
	"partner": true, "partners": true, "presentation": true, "q&a": true,
	"reception": true, "register": true, "registration": true, "remarks": true,
	"reserve": true, "roundtable": true, "seat": true, "session": true,
	"speaker": true, "speakers": true, "special": true, "sponsor": true,
	"sponsors": true, "summit": true, "tba": true, "tbc": true, "tbd": true,
	"team": true, "ticket": true, "tickets": true, "track": true, "view": true,
	"webinar": true, "welcome": true, "workshop": true,
}

// roleVocabulary are job titles and bodies. An entry made of them names a
// position, not someone who can be contacted.
var roleVocabulary = map[string]bool{
	"adviser": true, "advisor": true, "analyst": true, "attorney": true,
	"board": true, "cco": true, "ceo": true, "cfo": true, "chair": true,
	"chairman": true, "chairperson": true, "chairwoman": true, "chief": true,
	"cio": true, "ciso": true, "cmo": true, "co-founder": true, "cofounder": true,
	"committee": true, "consultant": true, "coo": true, "council": true,
	"counsel": true, "cto": true, "delegate": true, "delegates": true,
	"department": true, "deputy": true, "director": true, "directors": true,
	"editor": true, "executive": true, "founder": true, "general": true,
	"head": true, "host": true, "lawyer": true, "lead": true, "manager": true,
	"managing": true, "member": true, "members": true, "office": true,
	"officer": true, "president": true, "program": true, "programme": true,
	"representative": true, "secretary": true, "staff": true, "treasurer": true,
	"vice": true, "vp": true,
}

// topicVocabulary are subject words that show up in session titles the
// model mistakes for names.
var topicVocabulary = map[string]bool{
	"compliance": true, "data": true, "digital": true, "future": true,
	"industry": true, "innovation": true, "insights": true, "legal": true,
	"market": true, "operations": true, "policy": true, "privacy": true,
	"regulation": true, "regulatory": true, "security": true, "strategy": true,
	"technology": true, "trends": true, "update": true, "updates": true,
}

// functionWords never appear in a person's name outside of known particles.
var functionWords = map[string]bool{
	"and": true, "at": true, "by": true, "for": true, "from": true, "in": true,
	"of": true, "on": true, "or": true, "the": true, "to": true, "with": true,
}

// FilterSpeakers keeps only entries whose name looks like a person. It
// prefers dropping a real person over keeping a non-person. Names are NFC
// normalized and duplicates by folded name are removed.
func FilterSpeakers(raw []model.RawSpeaker) []model.SpeakerDTO {
	kept, _ := filterSpeakers(raw)
	return kept
}

// filterSpeakers is FilterSpeakers that also reports how many entries were
// rejected as non-persons. Duplicates and schema failures are not counted.
func filterSpeakers(raw []model.RawSpeaker) ([]model.SpeakerDTO, int) {
	folder := cases.Fold()
	out := make([]model.SpeakerDTO, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	nonPersons := 0
	for _, r := range raw {
		name := normalizeName(r.Name)
		if !IsPersonName(name) {
			zap.L().Debug("speakers: dropping non-person", zap.String("name", r.Name))
			nonPersons++
			continue
		}
		key := folder.String(strings.Join(bareTokens(name), " "))
		if seen[key] {
			continue
		}
		sp := model.SpeakerDTO{
			Name: name,
			Role: strings.TrimSpace(norm.NFC.String(r.Role)),
			Org:  strings.TrimSpace(norm.NFC.String(r.Org)),
			URL:  strings.TrimSpace(r.URL),
		}
		if sp.Validate() != nil {
			continue
		}
		seen[key] = true
		out = append(out, sp)
	}
	return out, nonPersons
}

// IsPersonName reports whether name has the shape of a human name: two to
// five letter tokens, capitalized apart from known particles, with no
// event, role, topic or function words.
func IsPersonName(name string) bool {
	if len([]rune(name)) < 3 {
		return false
	}
	for _, r := range name {
		if unicode.IsDigit(r) || strings.ContainsRune("@/|:;()[]{}!?#&+=<>", r) {
			return false
		}
	}

	tokens := bareTokens(name)
	if len(tokens) < 2 || len(tokens) > 5 {
		return false
	}
	capitalized := 0
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		word := strings.Trim(lower, ".,'")
		if eventVocabulary[word] || roleVocabulary[word] || topicVocabulary[word] || functionWords[lower] {
			return false
		}
		if nameParticles[lower] {
			continue
		}
		if !isNameToken(tok) {
			return false
		}
		capitalized++
	}
	return capitalized >= 2
}

// bareTokens splits name into tokens with honorifics removed.
func bareTokens(name string) []string {
	fields := strings.Fields(name)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if honorifics[strings.ToLower(strings.TrimRight(f, "."))] && len(out) == 0 {
			continue
		}
		out = append(out, strings.Trim(f, ","))
	}
	return out
}

// isNameToken accepts "Sarah", "O'Neil", "Jean-Luc", "J." and similar.
func isNameToken(tok string) bool {
	runes := []rune(tok)
	if len(runes) == 0 || !unicode.IsUpper(runes[0]) {
		return false
	}
	letters := 0
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r):
			letters++
		case r == '-' || r == '\'' || r == '\u2019':
			if i == 0 || i == len(runes)-1 {
				return false
			}
		case r == '.':
			if i != len(runes)-1 {
				return false
			}
		default:
			return false
		}
	}
	return letters > 0
}

func normalizeName(s string) string {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " ,;-*\u2013\u2014\u2022")
}
