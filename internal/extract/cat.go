package extract

import (
	"fmt"

	"github.com/lu4p/cat"
)

// extractWithCat handles .odt and .rtf, which lu4p/cat detects by content.
func extractWithCat(content []byte) (string, error) {
	text, err := cat.FromBytes(content)
	if err != nil {
		return "", fmt.Errorf("extract document: %w", err)
	}
	return extractPlain([]byte(text))
}
