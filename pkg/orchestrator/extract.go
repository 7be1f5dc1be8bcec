package orchestrator

import (
	"regexp"
	"strings"
)

// ExtractedFile is one file materialized from builder output.
type ExtractedFile struct {
	Path    string
	Content string
}

// fileBlockRe matches fenced code blocks whose first in-fence line is a
// `// filepath: <path>` marker. Anything outside such blocks is ignored.
var fileBlockRe = regexp.MustCompile("(?s)```[^`\n]*\n[ \t]*// filepath:[ \t]*([^\n]+)\n(.*?)```")

// ExtractFiles scans builder output for file blocks. Paths are trimmed;
// blocks without the marker are skipped.
func ExtractFiles(output string) []ExtractedFile {
	matches := fileBlockRe.FindAllStringSubmatch(output, -1)
	files := make([]ExtractedFile, 0, len(matches))
	for _, match := range matches {
		path := strings.TrimSpace(match[1])
		if path == "" {
			continue
		}
		files = append(files, ExtractedFile{Path: path, Content: match[2]})
	}
	return files
}
