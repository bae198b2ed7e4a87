// Package notefile encodes notes as Markdown files with a YAML frontmatter header.
//
// The layout is
//
//	---
//	id: 6f1c...
//	title: Groceries
//	seq: 3
//	---
//	<content, byte for byte>
//
// Files written by hand without a header are still readable: the whole file
// becomes the content and the first H1 heading becomes the title.
package notefile

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delim = "---"

// Doc is the decoded form of one note file.
type Doc struct {
	ID      string
	Title   string
	Seq     int64
	Content string
}

type header struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Seq   int64  `yaml:"seq"`
}

// Encode renders d as a note file.
func Encode(d Doc) ([]byte, error) {
	fm, err := yaml.Marshal(header{ID: d.ID, Title: d.Title, Seq: d.Seq})
	if err != nil {
		return nil, fmt.Errorf("notefile: marshal header: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(fm) + len(d.Content) + 2*len(delim) + 2)
	buf.WriteString(delim + "\n")
	buf.Write(fm)
	buf.WriteString(delim + "\n")
	buf.WriteString(d.Content)
	return buf.Bytes(), nil
}

// Decode parses a note file. It never fails on malformed headers; such files
// decode as header-less content.
func Decode(data []byte) Doc {
	fm, body, ok := splitFrontmatter(data)
	if !ok {
		return Doc{Title: deriveTitle(string(data)), Content: string(data)}
	}

	var h header
	if err := yaml.Unmarshal(fm, &h); err != nil {
		// Invalid YAML: treat everything as content.
		return Doc{Title: deriveTitle(string(data)), Content: string(data)}
	}
	return Doc{ID: h.ID, Title: h.Title, Seq: h.Seq, Content: string(body)}
}

// splitFrontmatter separates the YAML block between the leading delimiters
// from the content that follows the closing delimiter line.
func splitFrontmatter(data []byte) ([]byte, []byte, bool) {
	open := []byte(delim + "\n")
	if !bytes.HasPrefix(data, open) {
		return nil, data, false
	}
	rest := data[len(open):]

	if bytes.HasPrefix(rest, open) {
		return nil, rest[len(open):], true
	}
	if idx := bytes.Index(rest, []byte("\n"+delim+"\n")); idx >= 0 {
		return rest[:idx+1], rest[idx+len(delim)+2:], true
	}
	if bytes.HasSuffix(rest, []byte("\n"+delim)) {
		return rest[:len(rest)-len(delim)], nil, true
	}
	return nil, data, false
}

// deriveTitle returns the first H1 heading, or "".
func deriveTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
