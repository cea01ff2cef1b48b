package engine

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// keywords returns the distinct non-stopword tokens of text longer than two
// characters, in order of first appearance.
func keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(text) {
		tok = strings.Trim(tok, "-_")
		if len(tok) <= 2 || stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// keywordFrequencies counts non-stopword tokens and returns them by
// descending count, ties alphabetical.
func keywordFrequencies(text string) []string {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		tok = strings.Trim(tok, "-_")
		if len(tok) <= 2 || stopWords[tok] {
			continue
		}
		counts[tok]++
	}
	out := make([]string, 0, len(counts))
	for k := range counts {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

type termSet map[string]struct{}

func newTermSet(terms []string) termSet {
	s := make(termSet, len(terms))
	for _, t := range terms {
		s[strings.ToLower(t)] = struct{}{}
	}
	return s
}

// jaccard is |a ∩ b| / |a ∪ b|, 0 when both are empty.
func jaccard(a, b termSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// levenshtein is the rune-level edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// fuzzyRatio maps edit distance to [0,1]; 1 means identical.
func fuzzyRatio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

var stopWords = map[string]bool{
	"the": true, "be": true, "to": true, "of": true, "and": true,
	"a": true, "in": true, "that": true, "have": true, "i": true,
	"it": true, "for": true, "not": true, "on": true, "with": true,
	"he": true, "as": true, "you": true, "do": true, "at": true,
	"this": true, "but": true, "his": true, "by": true, "from": true,
	"they": true, "we": true, "say": true, "her": true, "she": true,
	"or": true, "an": true, "will": true, "my": true, "one": true,
	"all": true, "would": true, "there": true, "their": true, "what": true,
	"so": true, "up": true, "out": true, "if": true, "about": true,
	"who": true, "get": true, "which": true, "go": true, "me": true,
	"when": true, "make": true, "can": true, "like": true, "time": true,
	"no": true, "just": true, "him": true, "know": true, "take": true,
	"into": true, "your": true, "good": true, "some": true, "could": true,
	"them": true, "see": true, "other": true, "than": true, "then": true,
	"now": true, "look": true, "only": true, "come": true, "its": true,
	"over": true, "think": true, "also": true, "back": true, "after": true,
	"use": true, "how": true, "our": true, "work": true, "well": true,
	"way": true, "even": true, "want": true, "because": true, "any": true,
	"these": true, "give": true, "most": true, "us": true, "is": true,
	"was": true, "are": true, "been": true, "has": true, "had": true,
	"were": true, "said": true, "did": true, "having": true, "may": true,
	"am": true, "should": true, "too": true, "very": true, "show": true,
	"find": true, "things": true, "stuff": true, "www": true, "com": true,
	"http": true, "https": true, "html": true,
}

// Topic is the closed set of activity topics used to tag ingested nodes and
// to expand natural-language queries.
type Topic uint8

const (
	TopicDevelopment Topic = iota
	TopicCommunication
	TopicResearch
	TopicLearning
	TopicProductivity
	TopicEntertainment

	NumTopics = int(TopicEntertainment) + 1
)

var topicNames = [NumTopics]string{
	TopicDevelopment:   "development",
	TopicCommunication: "communication",
	TopicResearch:      "research",
	TopicLearning:      "learning",
	TopicProductivity:  "productivity",
	TopicEntertainment: "entertainment",
}

// topicKeywords lists the words that indicate each topic. A word belongs to
// exactly one topic.
var topicKeywords = [NumTopics][]string{
	TopicDevelopment: {
		"github", "gitlab", "bitbucket", "code", "vscode", "editor", "ide", "intellij", "goland",
		"vim", "neovim", "emacs", "terminal", "iterm", "programming", "developer", "development",
		"coding", "repo", "repository", "commit", "pull", "merge", "debug", "compile", "build",
		"deploy", "golang", "python", "javascript", "typescript", "rust", "xcode",
	},
	TopicCommunication: {
		"communication", "email", "gmail", "outlook", "mail", "inbox", "slack", "chat", "message", "messages",
		"discord", "zoom", "teams", "telegram", "whatsapp", "meet",
	},
	TopicResearch: {
		"stackoverflow", "stackexchange", "search", "google", "bing", "duckduckgo", "wikipedia",
		"research", "paper", "papers", "arxiv", "article", "question", "answer",
	},
	TopicLearning: {
		"tutorial", "course", "courses", "learn", "learning", "lesson", "udemy", "coursera",
		"khan", "training", "guide", "documentation", "docs",
	},
	TopicProductivity: {
		"productivity", "calendar", "notion", "todo", "task", "tasks", "jira", "trello", "asana", "sheets",
		"spreadsheet", "meeting", "planning", "notes", "excel", "word",
	},
	TopicEntertainment: {
		"entertainment", "youtube", "netflix", "spotify", "music", "video", "game", "games", "twitch", "reddit",
		"hulu", "movie", "podcast",
	},
}

var topicByKeyword = func() map[string]Topic {
	m := make(map[string]Topic)
	for t, words := range topicKeywords {
		for _, w := range words {
			m[w] = Topic(t)
		}
	}
	return m
}()

func (t Topic) String() string {
	if int(t) < NumTopics {
		return topicNames[t]
	}
	return "unknown"
}

// Keywords returns the words that indicate t.
func (t Topic) Keywords() []string {
	if int(t) >= NumTopics {
		return nil
	}
	return topicKeywords[t]
}

// ParseTopic matches a topic by name.
func ParseTopic(s string) (Topic, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range topicNames {
		if name == s {
			return Topic(i), true
		}
	}
	return 0, false
}

// detectTopic returns the topic with the most keyword hits in text. Ties go
// to the topic declared first.
func detectTopic(text string) (Topic, bool) {
	var hits [NumTopics]int
	found := false
	for _, tok := range tokenize(text) {
		if t, ok := topicByKeyword[tok]; ok {
			hits[t]++
			found = true
		}
	}
	if !found {
		return 0, false
	}
	best := 0
	for i := 1; i < NumTopics; i++ {
		if hits[i] > hits[best] {
			best = i
		}
	}
	return Topic(best), true
}
