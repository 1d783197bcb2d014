package dispatch

import "regexp"

type ContentType string

const (
	ContentPlain ContentType = "PLAIN"
	ContentHTML  ContentType = "HTML"
)

// markup matches an opening or closing tag, or an HTML comment.
var markup = regexp.MustCompile(`(?s)<(?:/?[a-zA-Z][a-zA-Z0-9-]*(?:\s[^<>]*)?/?|!--.*?--)>`)

// DetectContentType classifies msg as HTML when it contains recognizable
// markup, else PLAIN.
func DetectContentType(msg string) ContentType {
	if markup.MatchString(msg) {
		return ContentHTML
	}
	return ContentPlain
}
