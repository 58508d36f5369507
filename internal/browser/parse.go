package browser

import (
	"strings"
	"time"

	"webpilot/internal/entity"
)

// parseSnapshot turns the raw evaluate result into a PageSnapshot. Entries
// that are not well-formed element maps are omitted; the omission is not an
// error, the page is live and nodes detach mid-capture.
func parseSnapshot(raw interface{}, url, title string) *entity.PageSnapshot {
	snapshot := &entity.PageSnapshot{
		URL:        url,
		Title:      title,
		CapturedAt: time.Now(),
	}

	list, ok := raw.([]interface{})
	if !ok {
		return snapshot
	}

	snapshot.Elements = make([]entity.ElementDescriptor, 0, len(list))

	id := 0

	for _, item := range list {
		elemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		tag := getString(elemMap, "tag")
		selector := getString(elemMap, "selector")

		if tag == "" || selector == "" {
			continue
		}

		elem := entity.ElementDescriptor{
			ID:          id,
			Tag:         tag,
			Role:        getString(elemMap, "role"),
			Text:        strings.TrimSpace(getString(elemMap, "text")),
			Label:       strings.TrimSpace(getString(elemMap, "label")),
			Placeholder: getString(elemMap, "placeholder"),
			Selector:    selector,
			Attributes:  make(map[string]string),
			Box: entity.BoundingBox{
				X:      getFloat(elemMap, "x"),
				Y:      getFloat(elemMap, "y"),
				Width:  getFloat(elemMap, "width"),
				Height: getFloat(elemMap, "height"),
			},
			Visible: getBool(elemMap, "visible"),
			Enabled: getBool(elemMap, "enabled"),
			ZIndex:  int(getFloat(elemMap, "z")),
		}

		if attrs, ok := elemMap["attributes"].(map[string]interface{}); ok {
			for k, v := range attrs {
				if str, ok := v.(string); ok {
					elem.Attributes[k] = str
				}
			}
		}

		snapshot.Elements = append(snapshot.Elements, elem)
		id++
	}

	return snapshot
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}

	return ""
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}

	return false
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}

	if v, ok := m[key].(int); ok {
		return float64(v)
	}

	return 0
}
