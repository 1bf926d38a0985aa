package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  hello   world  "))
	assert.Equal(t, "a b c", Normalize("a\tb\nc"))
	assert.Equal(t, "", Normalize(" \t\n "))

	// NFC: decomposed é equals precomposed é.
	assert.Equal(t, Normalize("café"), Normalize("café"))
}

func TestFingerprint_StableAcrossLayers(t *testing.T) {
	// The same content arrives pretty-printed from JSONL and whitespace-mangled
	// from a pane scrape; both must collide.
	fromJSONL := "Done. The tests pass and the branch is pushed."
	fromPane := "  Done.  The tests pass\n and the branch  is pushed. "

	assert.Equal(t, Fingerprint(fromJSONL), Fingerprint(fromPane))
}

func TestFingerprint_Format(t *testing.T) {
	fp := Fingerprint("anything")
	assert.Len(t, fp, 16)
	for _, r := range fp {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestFingerprint_DistinctContent(t *testing.T) {
	assert.NotEqual(t, Fingerprint("first reply"), Fingerprint("second reply"))
}
