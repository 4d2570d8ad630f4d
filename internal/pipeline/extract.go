package pipeline

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// resolveContentType implements §4.2's dispatch order: declared type ->
// magic-byte sniff -> fallback text.
func resolveContentType(raw []byte, declared string) string {
	if strings.TrimSpace(declared) != "" {
		return declared
	}
	if bytes.HasPrefix(raw, []byte("%PDF-")) {
		return "application/pdf"
	}
	trimmed := bytes.TrimSpace(raw)
	lower := bytes.ToLower(trimmed)
	if bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html")) {
		return "text/html"
	}
	return "text/plain"
}

// extract dispatches to a format-specific extractor (§4.2).
func extract(raw []byte, contentType string) (string, error) {
	switch contentType {
	case "application/pdf":
		return extractPDF(raw)
	case "text/html":
		return extractHTML(raw), nil
	default:
		return extractPlainText(raw), nil
	}
}

// extractPDF is a minimal text extractor good enough for the PDF "stream"
// text objects most regulator feeds produce; it does not decode compressed
// content streams (out of scope: document OCR accuracy per §1 Non-goals).
func extractPDF(raw []byte) (string, error) {
	if !bytes.HasPrefix(raw, []byte("%PDF-")) {
		return "", fmt.Errorf("not a PDF: missing %%PDF- header")
	}
	re := regexp.MustCompile(`\((?:[^()\\]|\\.)*\)`)
	matches := re.FindAll(raw, -1)
	var sb strings.Builder
	for _, m := range matches {
		token := bytes.TrimSuffix(bytes.TrimPrefix(m, []byte("(")), []byte(")"))
		token = bytes.ReplaceAll(token, []byte(`\(`), []byte("("))
		token = bytes.ReplaceAll(token, []byte(`\)`), []byte(")"))
		sb.Write(token)
		sb.WriteByte(' ')
	}
	return sb.String(), nil
}

var htmlTagRe = regexp.MustCompile(`(?is)<script.*?</script>|<style.*?</style>|<[^>]+>`)

func extractHTML(raw []byte) string {
	return htmlTagRe.ReplaceAllString(string(raw), " ")
}

func extractPlainText(raw []byte) string {
	return string(raw)
}

var (
	whitespaceRunRe  = regexp.MustCompile(`[ \t\f\v]+`)
	blankLineRunRe   = regexp.MustCompile(`\n{3,}`)
	paginatorRe      = regexp.MustCompile(`(?mi)^\s*(page \d+( of \d+)?|-{2,}\s*page\s*-{2,})\s*$`)
)

// normalizeText applies §4.2's normalization pass to every successful
// extraction: collapse whitespace runs, normalize line endings, drop null
// bytes, collapse >=3 blank lines to 2, strip paginator artifacts.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = paginatorRe.ReplaceAllString(text, "")
	text = whitespaceRunRe.ReplaceAllString(text, " ")
	text = blankLineRunRe.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var (
	dateRe = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4})\b`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)
	refRe   = regexp.MustCompile(`(?i)\b(Section|Rule|Part|Article)\s+(\d+[A-Za-z]?(?:\.\d+)?)\b`)
)

// extractDates finds multi-format date strings, capped by the caller.
func extractDates(text string) []string {
	return dedupe(dateRe.FindAllString(text, -1))
}

// extractEmails finds email addresses, capped by the caller.
func extractEmails(text string) []string {
	return dedupe(emailRe.FindAllString(text, -1))
}

// extractPhones finds US-style phone numbers, capped by the caller.
func extractPhones(text string) []string {
	return dedupe(phoneRe.FindAllString(text, -1))
}

// extractRegulatoryRefs finds "Section N" / "Rule N" / "Part N" / "Article
// N" references (§4.2). Not capped; callers get them in Metadata.References
// (the process entrypoint appends them to the document's Keywords).
func extractRegulatoryRefs(text string) []string {
	matches := refRe.FindAllString(text, -1)
	return dedupe(matches)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
