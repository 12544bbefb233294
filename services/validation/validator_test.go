package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamValidator_Repetition(t *testing.T) {
	t.Run("20 repeated characters is invalid", func(t *testing.T) {
		v := NewStreamValidator()
		verdict := v.Check(strings.Repeat("a", 20))
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonRepetition, verdict.Reason)
	})

	t.Run("19 repeated characters is valid", func(t *testing.T) {
		v := NewStreamValidator()
		verdict := v.Check(strings.Repeat("a", 19))
		assert.True(t, verdict.Valid)
	})

	t.Run("run embedded in normal text is caught", func(t *testing.T) {
		v := NewStreamValidator()
		verdict := v.Check("loading" + strings.Repeat(".", 25) + " done")
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonRepetition, verdict.Reason)
	})
}

func TestStreamValidator_Entropy(t *testing.T) {
	lowercase := func(n int) string {
		alphabet := "abcdefghijklmnopqrstuvwxyz"
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteByte(alphabet[i%len(alphabet)])
		}
		return b.String()
	}

	t.Run("100 chars without whitespace is invalid", func(t *testing.T) {
		v := NewStreamValidator()
		verdict := v.Check(lowercase(100))
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonGibberish, verdict.Reason)
	})

	t.Run("one space inside the window makes it valid", func(t *testing.T) {
		v := NewStreamValidator()
		text := lowercase(50) + " " + lowercase(49)
		assert.True(t, v.Check(text).Valid)
	})

	t.Run("under 100 accumulated chars is always valid", func(t *testing.T) {
		v := NewStreamValidator()
		assert.True(t, v.Check(lowercase(99)).Valid)
	})

	t.Run("gibberish split across fragments is caught", func(t *testing.T) {
		v := NewStreamValidator()
		assert.True(t, v.Check("This is start. ").Valid)
		assert.True(t, v.Check(lowercase(60)).Valid)
		verdict := v.Check(lowercase(60))
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonGibberish, verdict.Reason)
	})

	t.Run("120 char http run is a plausible URL", func(t *testing.T) {
		v := NewStreamValidator()
		url := "http" + lowercase(116)
		assert.True(t, v.Check(url).Valid)
	})

	t.Run("120 char run without http prefix is invalid", func(t *testing.T) {
		v := NewStreamValidator()
		verdict := v.Check("ftp" + lowercase(117))
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonGibberish, verdict.Reason)
	})

	t.Run("thresholds count characters, not bytes", func(t *testing.T) {
		// 40 CJK runes are 120 bytes; the 100-character window must not
		// trip on byte length.
		v := NewStreamValidator()
		assert.True(t, v.Check(strings.Repeat("漢字語文", 10)).Valid)

		// 100 CJK runes without whitespace are gibberish.
		v.Reset()
		verdict := v.Check(strings.Repeat("漢字語文言", 20))
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonGibberish, verdict.Reason)

		// A space inside the 100-rune window keeps multibyte text valid.
		v.Reset()
		assert.True(t, v.Check(strings.Repeat("漢字語文言", 10)+" "+strings.Repeat("漢字語文言", 9)).Valid)
	})

	t.Run("http run at or past 150 chars loses the exemption", func(t *testing.T) {
		v := NewStreamValidator()
		verdict := v.Check("http" + lowercase(146))
		assert.False(t, verdict.Valid)

		v.Reset()
		assert.True(t, v.Check("http"+lowercase(145)).Valid)
	})
}

func TestStreamValidator_Reset(t *testing.T) {
	v := NewStreamValidator()
	v.Check(strings.Repeat("xy", 45))
	v.Reset()

	// After reset the accumulated window is gone.
	assert.True(t, v.Check(strings.Repeat("zw", 30)).Valid)
}
