package indexer

import (
	"bufio"
	"os"
	"sort"
	"strings"
)

// DefaultMaxMatchesPerFile bounds the line matches reported per file.
const DefaultMaxMatchesPerFile = 20

// LineMatch is one matching line within a file.
type LineMatch struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// FileMatch is one file's search result, including its total line count.
type FileMatch struct {
	Path       string      `json:"path"`
	TotalLines int         `json:"total_lines"`
	Matches    []LineMatch `json:"matches"`
}

// Search runs a case-insensitive full-text query. Candidate files come
// from the inverted index when the query tokenizes cleanly; otherwise
// every indexed document is considered. Line matches are produced by a
// second pass over the source file.
func (idx *Indexer) Search(query string, maxPerFile int) []FileMatch {
	if maxPerFile <= 0 {
		maxPerFile = DefaultMaxMatchesPerFile
	}
	needle := strings.ToLower(query)
	if needle == "" {
		return nil
	}

	candidates := idx.candidates(query, needle)
	sort.Strings(candidates)

	var results []FileMatch
	for _, path := range candidates {
		match := matchLines(path, needle, maxPerFile)
		if len(match.Matches) > 0 {
			results = append(results, match)
		}
	}
	return results
}

// candidates narrows the search set. Token postings are intersected;
// a query whose tokens miss the index (substrings, punctuation) falls
// back to a content scan.
func (idx *Indexer) candidates(query, needle string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tokens := tokenize(query)
	if len(tokens) > 0 {
		var set map[string]struct{}
		covered := true
		for token := range tokens {
			posting, ok := idx.inverted[token]
			if !ok {
				covered = false
				break
			}
			if set == nil {
				set = make(map[string]struct{}, len(posting))
				for path := range posting {
					set[path] = struct{}{}
				}
				continue
			}
			for path := range set {
				if _, ok := posting[path]; !ok {
					delete(set, path)
				}
			}
		}
		if covered {
			out := make([]string, 0, len(set))
			for path := range set {
				if strings.Contains(strings.ToLower(idx.docs[path].content), needle) {
					out = append(out, path)
				}
			}
			return out
		}
	}

	var out []string
	for path, doc := range idx.docs {
		if strings.Contains(strings.ToLower(doc.content), needle) {
			out = append(out, path)
		}
	}
	return out
}

// matchLines re-reads the file and collects matching lines with their
// one-based numbers, plus the file's total line count.
func matchLines(path, needle string, maxMatches int) FileMatch {
	result := FileMatch{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return result
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(result.Matches) < maxMatches && strings.Contains(strings.ToLower(line), needle) {
			result.Matches = append(result.Matches, LineMatch{Line: lineNo, Text: line})
		}
	}
	result.TotalLines = lineNo
	return result
}
