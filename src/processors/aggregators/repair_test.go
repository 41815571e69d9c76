package aggregators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrectAggregation_WorkedExample(t *testing.T) {
	reference := "Good Morning Mr NARGES, my name is Alex and I am calling about your appointment."
	corrupted := "Good Morning Mr NAR GES, my name is Alex and I am calling about your appointment."

	got := CorrectAggregation(reference, corrupted)
	assert.Equal(t, reference, got)
}

func TestCorrectAggregation_IdenticalStrings(t *testing.T) {
	reference := "the quick brown fox jumps over the lazy dog"
	assert.Equal(t, reference, CorrectAggregation(reference, reference))
}

func TestCorrectAggregation_SubstringIsReturnedUnchanged(t *testing.T) {
	reference := "the quick brown fox jumps over the lazy dog"
	corrupted := "the quick brown fox"
	assert.Equal(t, corrupted, CorrectAggregation(reference, corrupted))
}

func TestCorrectAggregation_ShortCorruptedReturnedUnchanged(t *testing.T) {
	reference := "hello there, this is a much longer reference string"
	corrupted := "hi ok"
	assert.Equal(t, corrupted, CorrectAggregation(reference, corrupted))
}

func TestCorrectAggregation_RejectsWhenProjectionDiverges(t *testing.T) {
	reference := "completely unrelated reference text that shares nothing meaningful"
	corrupted := "totally different corrupted words that do not align at all here"
	assert.Equal(t, corrupted, CorrectAggregation(reference, corrupted))
}

func TestCorrectAggregation_LongerReferenceRequired(t *testing.T) {
	reference := "short ref"
	corrupted := "short ref but this one somehow got way way longer than reference"
	assert.Equal(t, corrupted, CorrectAggregation(reference, corrupted))
}
