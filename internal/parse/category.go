package parse

import (
	"fmt"
	"regexp"
	"strings"

	"roomwatt-backend/internal/model"
)

var sepRe = regexp.MustCompile(`[\s_\-/]+`)

var aliases = map[string]model.Category{
	"light":           model.CategoryLight,
	"lights":          model.CategoryLight,
	"lamp":            model.CategoryLight,
	"bulb":            model.CategoryLight,
	"tube light":      model.CategoryLight,
	"fan":             model.CategoryFan,
	"fans":            model.CategoryFan,
	"ceiling fan":     model.CategoryFan,
	"ac":              model.CategoryAC,
	"a c":             model.CategoryAC,
	"aircon":          model.CategoryAC,
	"air conditioner": model.CategoryAC,
	"tv":              model.CategoryTV,
	"television":      model.CategoryTV,
	"other":           model.CategoryOther,
}

// ParseCategory maps a free-form device type to a category. Case and
// separators are ignored; unknown names map to CategoryOther.
func ParseCategory(raw string) (model.Category, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSpace(sepRe.ReplaceAllString(s, " "))
	if s == "" {
		return "", fmt.Errorf("unable to parse device type: %q", raw)
	}
	if c, ok := aliases[s]; ok {
		return c, nil
	}
	return model.CategoryOther, nil
}
