package aggregators

import "strings"

// punctuation that reference may carry but a word-timed TTS transcript drops.
const repairPunctuation = ".,;:!?"

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func alnumProjection(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func alnumLen(s string) int {
	n := 0
	for _, r := range s {
		if isAlnum(r) {
			n++
		}
	}
	return n
}

// CorrectAggregation repairs a word-timed TTS transcript ("corrupted") against
// the ground-truth LLM text ("reference") the engine accumulated for the same
// turn. Some TTS providers echo back word-aligned transcripts with spurious
// whitespace or dropped punctuation; the LLM's own streamed text is used to
// restore it. See spec §4.D for the algorithm this implements verbatim.
func CorrectAggregation(reference, corrupted string) string {
	if reference == "" || corrupted == "" {
		return corrupted
	}
	if strings.Contains(reference, corrupted) {
		return corrupted
	}
	if alnumLen(reference) < alnumLen(corrupted) {
		return corrupted
	}
	if alnumLen(corrupted) < 10 {
		return corrupted
	}

	runesCorrupted := []rune(corrupted)
	prefixLen := 10
	if len(runesCorrupted) < prefixLen {
		prefixLen = len(runesCorrupted)
	}
	anchor := string(runesCorrupted[:prefixLen])

	runesReference := []rune(reference)
	start := strings.LastIndex(reference, anchor)
	if start < 0 {
		return corrupted
	}
	// strings.LastIndex returns a byte offset; reference is not guaranteed
	// ASCII-safe for rune indexing, so re-walk to the matching rune index.
	refStart := len([]rune(reference[:start]))

	var out strings.Builder
	ri := refStart
	ci := 0

	for ci < len(runesCorrupted) && ri < len(runesReference) {
		rc := runesCorrupted[ci]
		rr := runesReference[ri]

		if rc == rr {
			out.WriteRune(rc)
			ri++
			ci++
			continue
		}

		if rc == ' ' && rr != ' ' {
			// corrupted has an extra space relative to reference: skip it
			ci++
			continue
		}

		if rr == ' ' || strings.ContainsRune(repairPunctuation, rr) {
			// reference carries a space/punctuation corrupted lacks: emit it
			out.WriteRune(rr)
			ri++
			continue
		}

		// letter mismatch: trust the reference, advance both pointers
		out.WriteRune(rr)
		ri++
		ci++
	}

	// flush any reference tail that's pure trailing punctuation/space for
	// the character corrupted ran out on, mirroring the walk's own rules
	for ci >= len(runesCorrupted) && ri < len(runesReference) {
		rr := runesReference[ri]
		if rr == ' ' || strings.ContainsRune(repairPunctuation, rr) {
			out.WriteRune(rr)
			ri++
			continue
		}
		break
	}

	repaired := out.String()
	if alnumProjection(repaired) != alnumProjection(corrupted) {
		return corrupted
	}
	return repaired
}
