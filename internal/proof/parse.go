package proof

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultPromptMarkers are the texts the prover prints when it stops and
// waits for a clause selection.
var DefaultPromptMarkers = []string{"Pick a clause pair:", "Pick a clause:"}

var errorPrefixes = []string{"User error:", "Parsing Error", "Error:"}

var (
	clauseRe  = regexp.MustCompile(`^clause\((\d+)\):\s*(\S.*)$`)
	traceRe   = regexp.MustCompile(`^\[(\w+)\]\s+([\w ]+?):\s+(\d+)\.\s+(\S.*)$`)
	stepRe    = regexp.MustCompile(`^(\d+)\.\s+(\S.*)$`)
	szsRe     = regexp.MustCompile(`SZS status (\w+)`)
	parentsRe = regexp.MustCompile(`^\d+(,\d+)*$`)
)

// annotationNames renames the short keys of trailing {k:v} annotations.
var annotationNames = map[string]string{
	"w": "weight",
	"a": "age",
}

// Parser converts raw prover output into Lines. The zero value is not
// usable; construct one with NewParser.
type Parser struct {
	promptMarkers []string
}

// NewParser returns a parser recognising the given decision-point markers.
// With no markers it uses DefaultPromptMarkers.
func NewParser(promptMarkers ...string) *Parser {
	if len(promptMarkers) == 0 {
		promptMarkers = DefaultPromptMarkers
	}
	return &Parser{promptMarkers: promptMarkers}
}

var defaultParser = NewParser()

// Parse converts raw output with the default grammar.
func Parse(raw string) []Line {
	return defaultParser.Parse(raw)
}

// Parse splits raw into line segments and classifies each one. It never
// fails: segments matching no rule come back as KindUnparsed with their
// text intact. Blank segments between line breaks are layout and produce no
// Line; input without a line break is always one Line holding all of it.
func (p *Parser) Parse(raw string) []Line {
	if raw == "" {
		return []Line{}
	}
	if !strings.Contains(raw, "\n") {
		return []Line{p.classify(raw)}
	}

	segments := strings.Split(raw, "\n")
	lines := make([]Line, 0, len(segments))
	seen := make(map[int]bool)

	for _, seg := range segments {
		seg = strings.TrimSuffix(seg, "\r")
		if strings.TrimSpace(seg) == "" {
			continue
		}

		line := p.classify(seg)
		if line.ID != nil {
			if seen[*line.ID] {
				line.Fields["ref"] = strconv.Itoa(*line.ID)
				line.ID = nil
			} else {
				seen[*line.ID] = true
			}
		}
		lines = append(lines, line)
	}
	return lines
}

func (p *Parser) classify(seg string) Line {
	text := strings.TrimSpace(seg)
	line := Line{Kind: KindUnparsed, RawText: seg, Fields: map[string]string{}}

	if strings.HasPrefix(text, "%") {
		line.Kind = KindStatus
		line.Fields["message"] = strings.TrimSpace(strings.TrimPrefix(text, "%"))
		if m := szsRe.FindStringSubmatch(text); m != nil {
			line.Fields["szs"] = m[1]
		}
		return line
	}

	for _, prefix := range errorPrefixes {
		if strings.HasPrefix(text, prefix) {
			line.Kind = KindError
			line.Fields["message"] = text
			return line
		}
	}

	for _, marker := range p.promptMarkers {
		if strings.HasPrefix(text, marker) {
			line.Kind = KindPrompt
			return line
		}
	}

	if m := clauseRe.FindStringSubmatch(text); m != nil {
		if id, ok := atoi(m[1]); ok {
			line.Kind = KindClause
			line.ID = &id
			splitDerivation(m[2], line.Fields)
			return line
		}
		return line
	}

	if m := traceRe.FindStringSubmatch(text); m != nil {
		if id, ok := atoi(m[3]); ok {
			line.Kind = KindClause
			line.ID = &id
			line.Fields["tag"] = m[1]
			line.Fields["event"] = m[2]
			splitDerivation(m[4], line.Fields)
			return line
		}
		return line
	}

	if m := stepRe.FindStringSubmatch(text); m != nil {
		if id, ok := atoi(m[1]); ok {
			line.Kind = KindProofStep
			line.ID = &id
			splitDerivation(m[2], line.Fields)
			return line
		}
	}

	return line
}

// splitDerivation fills formula, inference, parents and annotation fields
// from a clause body such as "p(a) | q(b) [resolution 3,4] {w:3,a:1}".
func splitDerivation(body string, fields map[string]string) {
	body = strings.TrimSpace(body)

	if strings.HasSuffix(body, "}") {
		if i := strings.LastIndex(body, " {"); i >= 0 {
			parseAnnotations(body[i+2:len(body)-1], fields)
			body = strings.TrimSpace(body[:i])
		}
	}

	if strings.HasSuffix(body, "]") {
		if i := strings.LastIndex(body, " ["); i >= 0 {
			derivation := strings.TrimSpace(body[i+2 : len(body)-1])
			body = strings.TrimSpace(body[:i])
			inference := derivation
			if i := strings.LastIndex(derivation, " "); i >= 0 && parentsRe.MatchString(derivation[i+1:]) {
				inference = strings.TrimSpace(derivation[:i])
				fields["parents"] = derivation[i+1:]
			}
			fields["inference"] = inference
		}
	}

	fields["formula"] = body
}

func parseAnnotations(s string, fields map[string]string) {
	for _, item := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok || key == "" {
			continue
		}
		if name, renamed := annotationNames[key]; renamed {
			key = name
		}
		fields[key] = strings.TrimSpace(value)
	}
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
