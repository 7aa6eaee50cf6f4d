package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

const odsContentPath = "content.xml"

var (
	odsRowEnd    = regexp.MustCompile(`</table:table-row>`)
	odsCell      = regexp.MustCompile(`<table:table-cell[^>]*/>|<table:table-cell[^>]*>(?s:(.*?))</table:table-cell>`)
	odsParagraph = regexp.MustCompile(`<text:p[^>]*>(?s:(.*?))</text:p>`)
	xmlTag       = regexp.MustCompile(`<[^>]+>`)
)

// extractODS emits one tab-separated line per non-empty table row in content.xml.
// Repeated-cell attributes are ignored; each cell element counts once.
func extractODS(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract ODS: not a zip: %w", err)
	}
	contentXML, err := readZipFile(zr, odsContentPath)
	if err != nil {
		return "", fmt.Errorf("extract ODS: %w", err)
	}
	if contentXML == nil {
		return "", fmt.Errorf("extract ODS: %s not found", odsContentPath)
	}

	var lines []string
	for _, row := range odsRowEnd.Split(string(contentXML), -1) {
		var cells []string
		for _, c := range odsCell.FindAllStringSubmatch(row, -1) {
			var parts []string
			for _, p := range odsParagraph.FindAllStringSubmatch(c[1], -1) {
				parts = append(parts, strings.TrimSpace(unescapeXML(xmlTag.ReplaceAllString(p[1], ""))))
			}
			cells = append(cells, strings.Join(parts, " "))
		}
		line := strings.TrimRight(strings.Join(cells, "\t"), "\t ")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
