package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Hello World", 2},
		{"Go developer, prefers minimal dependencies.", 5},
		{"a b c", 0},
		{"SQLite WAL mode", 3},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Len(t, tokenize(tt.input), tt.want, "tokenize(%q)", tt.input)
	}
}

func TestKeywordsDropStopWords(t *testing.T) {
	assert.Equal(t, []string{"react", "hooks", "tutorial"}, keywords("how to use the React hooks tutorial, react"))
	assert.Empty(t, keywords("the and of"))
}

func TestKeywordFrequencies(t *testing.T) {
	got := keywordFrequencies("golang sqlite golang cache sqlite golang")
	assert.Equal(t, []string{"golang", "sqlite", "cache"}, got)
}

func TestJaccard(t *testing.T) {
	a := newTermSet([]string{"go", "sqlite", "cache"})
	b := newTermSet([]string{"GO", "cache", "redis"})
	assert.InDelta(t, 0.5, jaccard(a, b), 1e-9)
	assert.Zero(t, jaccard(a, newTermSet(nil)))
	assert.Equal(t, 1.0, jaccard(a, a))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("react", "react"))
	assert.Equal(t, 1, levenshtein("reacts", "react"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 4, levenshtein("", "four"))
}

func TestFuzzyRatio(t *testing.T) {
	assert.Equal(t, 1.0, fuzzyRatio("", ""))
	assert.InDelta(t, 5.0/6.0, fuzzyRatio("reactt", "react"), 1e-9)
	assert.Less(t, fuzzyRatio("python", "golang"), 0.5)
}

func TestDetectTopic(t *testing.T) {
	topic, ok := detectTopic("reviewing a pull request on github")
	assert.True(t, ok)
	assert.Equal(t, TopicDevelopment, topic)

	topic, ok = detectTopic("stackoverflow question about goroutines")
	assert.True(t, ok)
	assert.Equal(t, TopicResearch, topic)

	_, ok = detectTopic("lunch with friends")
	assert.False(t, ok)
}

func TestParseTopic(t *testing.T) {
	topic, ok := ParseTopic(" Learning ")
	assert.True(t, ok)
	assert.Equal(t, TopicLearning, topic)
	assert.Equal(t, "learning", topic.String())
	assert.NotEmpty(t, topic.Keywords())

	_, ok = ParseTopic("cooking")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Topic(200).String())
}
