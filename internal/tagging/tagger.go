// Package tagging infers topic tags and extracts the metadata signals attached to articles and
// tweets.
package tagging

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/samber/lo"
	"golang.org/x/text/unicode/norm"

	"github.com/johnrirwin/spinefeed/internal/models"
)

type rule struct {
	tag      string
	patterns []*regexp.Regexp
}

// Tagger matches keyword rules against normalized text.
type Tagger struct {
	mu    sync.RWMutex
	rules []rule
}

var defaultRules = []struct {
	tag      string
	keywords []string
}{
	{"Fusion", []string{"spinal fusion", "fusion", "interbody", "tlif", "alif", "plif", "acdf"}},
	{"Decompression", []string{"laminectomy", "discectomy", "foraminotomy", "spinal decompression", "decompression"}},
	{"Vertebral Augmentation", []string{"kyphoplasty", "vertebroplasty"}},
	{"Disc Replacement", []string{"disc replacement", "disc arthroplasty", "artificial disc"}},
	{"Deformity", []string{"scoliosis", "kyphosis", "lordosis", "deformity"}},
	{"Cervical", []string{"cervical"}},
	{"Lumbar", []string{"lumbar"}},
	{"Implants", []string{"spinal implant", "pedicle screw", "implant"}},
	{"Robotics", []string{"robotic", "robot", "navigation", "augmented reality"}},
	{"Regulatory", []string{"fda", "510(k)", "clearance", "approval", "ce mark"}},
	{"Deals", []string{"acquisition", "acquires", "acquired", "merger", "funding", "raises", "series a", "series b", "ipo"}},
	{"Earnings", []string{"revenue", "earnings", "quarter", "q1", "q2", "q3", "q4", "sales"}},
}

// spineKeywords are reported verbatim under the spine_procedures metadata key.
var spineKeywords = []string{
	"spinal fusion", "laminectomy", "discectomy", "foraminotomy",
	"kyphoplasty", "vertebroplasty", "spinal decompression", "cervical",
	"lumbar", "thoracic", "spine surgery", "vertebral", "intervertebral",
	"disc replacement", "spinal stenosis", "scoliosis", "kyphosis",
	"lordosis", "herniated disc", "spinal cord", "orthopaedics",
	"orthopedics", "depuy synthes", "spine business", "spinal implant",
	"pedicle screw",
}

var (
	spinePatterns    = compileAll(spineKeywords)
	financialPattern = regexp.MustCompile(`(?i)\$\s*\d+(?:,\d{3})*(?:\.\d+)?(?:\s*(?:billion|million|thousand|bn|mm|b|m|k)\b)?`)
	whitespace       = regexp.MustCompile(`\s+`)
)

func New() *Tagger {
	t := &Tagger{rules: make([]rule, 0, len(defaultRules))}
	for _, r := range defaultRules {
		t.AddRule(r.tag, r.keywords)
	}
	return t
}

// AddRule registers or replaces the keywords for tag.
func (t *Tagger) AddRule(tag string, keywords []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := rule{tag: tag, patterns: compileAll(keywords)}
	for i := range t.rules {
		if t.rules[i].tag == tag {
			t.rules[i] = r
			return
		}
	}
	t.rules = append(t.rules, r)
}

func (t *Tagger) RemoveRule(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rules = lo.Reject(t.rules, func(r rule, _ int) bool { return r.tag == tag })
}

// InferTags returns the tags whose keywords occur in title or content, in rule order.
func (t *Tagger) InferTags(title, content string) []string {
	text := Normalize(title + " " + content)
	tags := []string{}
	if strings.TrimSpace(text) == "" {
		return tags
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules {
		if lo.SomeBy(r.patterns, func(p *regexp.Regexp) bool { return p.MatchString(text) }) {
			tags = append(tags, r.tag)
		}
	}
	return tags
}

// SpineProcedures lists the spine keywords mentioned in text.
func SpineProcedures(text string) []string {
	normalized := Normalize(text)
	found := []string{}
	for i, p := range spinePatterns {
		if p.MatchString(normalized) {
			found = append(found, spineKeywords[i])
		}
	}
	return found
}

// FinancialMentions lists distinct dollar amounts such as "$1.2 billion" in order of appearance.
func FinancialMentions(text string) []string {
	matches := financialPattern.FindAllString(text, -1)
	cleaned := lo.Map(matches, func(m string, _ int) string {
		return whitespace.ReplaceAllString(strings.TrimSpace(m), " ")
	})
	return lo.Uniq(cleaned)
}

// Enrich sets tags and the recognised metadata keys for item's kind.
func (t *Tagger) Enrich(item *models.ContentItem) {
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	text := item.Title + "\n" + item.Summary + "\n" + item.Text

	item.Tags = lo.Uniq(append(item.Tags, t.InferTags(item.Title, item.Summary+" "+item.Text)...))
	item.Metadata[models.MetaFinancialMentions] = FinancialMentions(text)
	item.Metadata[models.MetaSpineProcedures] = SpineProcedures(text)

	if item.Kind == models.KindArticle {
		item.Metadata[models.MetaContentLength] = len([]rune(item.Text))
		if _, ok := item.Metadata[models.MetaCategory]; !ok {
			item.Metadata[models.MetaCategory] = "industry_news"
		}
	}
}

// Normalize lower-cases text, strips diacritics and collapses whitespace.
func Normalize(s string) string {
	s = norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return whitespace.ReplaceAllString(norm.NFC.String(b.String()), " ")
}

func compileAll(keywords []string) []*regexp.Regexp {
	return lo.Map(keywords, func(k string, _ int) *regexp.Regexp {
		return regexp.MustCompile(`(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(Normalize(k)) + `($|[^\p{L}\p{N}])`)
	})
}
