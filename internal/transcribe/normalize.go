package transcribe

import (
	"sort"
	"strings"

	"github.com/abadojack/whatlanggo"
)

// Normalize cleans a raw provider result into the contract shape:
// trimmed text, non-empty segments sorted by start, and a language
// code detected from the text when the provider reported none.
func Normalize(res Result) (Result, error) {
	res.Text = strings.TrimSpace(res.Text)

	segments := make([]Segment, 0, len(res.Segments))
	for _, seg := range res.Segments {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		segments = append(segments, seg)
	}
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
	res.Segments = segments

	if res.Text == "" && len(res.Segments) > 0 {
		parts := make([]string, 0, len(res.Segments))
		for _, seg := range res.Segments {
			parts = append(parts, seg.Text)
		}
		res.Text = strings.Join(parts, " ")
	}
	if res.Text == "" {
		return Result{}, ErrEmptyTranscript
	}

	res.Language = normalizeLang(res.Language, res.Text)
	return res, nil
}

// languageNames maps the full names Whisper's verbose_json reports to
// ISO 639-1 codes.
var languageNames = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"russian":    "ru",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"arabic":     "ar",
	"hindi":      "hi",
	"turkish":    "tr",
	"polish":     "pl",
	"ukrainian":  "uk",
	"vietnamese": "vi",
	"indonesian": "id",
	"swedish":    "sv",
}

// normalizeLang coerces whatever the provider reported into an ISO
// 639-1 code. Full names are mapped, region subtags stripped, and
// anything unrecognized falls back to detection from the text.
func normalizeLang(lang, text string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	lang, _, _ = strings.Cut(lang, "-")
	if len(lang) == 2 {
		return lang
	}
	if code, ok := languageNames[lang]; ok {
		return code
	}
	return whatlanggo.DetectLang(text).Iso6391()
}
