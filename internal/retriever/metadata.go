package retriever

import (
	"fmt"
	"strconv"
)

// SourceAndPage picks provenance out of node metadata: the file name, else
// the document id, and the page label when present.
func SourceAndPage(metadata map[string]any) (source, page string) {
	source = metadataString(metadata, "file_name")
	if source == "" {
		source = metadataString(metadata, "id")
	}
	page = metadataString(metadata, "page_label")
	if page == "" {
		page = metadataString(metadata, "page")
	}
	return source, page
}

func metadataString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
