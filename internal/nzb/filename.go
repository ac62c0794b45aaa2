package nzb

import (
	"html"
	"regexp"
	"strings"
)

var (
	reYenc     = regexp.MustCompile(`(?i)\s+yenc.*$`)
	reLead     = regexp.MustCompile(`^\[\d+/\d+\]\s+`)
	reCounter  = regexp.MustCompile(`\s*[\[(]\d+/\d+[\])]\s*$`)
	reBadChars = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// FileName recovers the posted file name from an article subject.
func FileName(subject string) string {
	res := html.UnescapeString(subject)

	// Pattern A: the name is quoted
	first := strings.Index(res, `"`)
	last := strings.LastIndex(res, `"`)
	if first != -1 && last != -1 && first < last {
		res = res[first+1 : last]
	} else {
		// Pattern B: strip "[01/14]" counters and the "yEnc (1/50)" suffix
		res = reYenc.ReplaceAllString(res, "")
		res = reLead.ReplaceAllString(res, "")
		res = reCounter.ReplaceAllString(res, "")
	}

	res = reBadChars.ReplaceAllString(res, "_")
	return strings.TrimSpace(res)
}
