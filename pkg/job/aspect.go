package job

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAspectRatio parses "W:H" (or "WxH", "W/H") into positive integers.
// "original" and the empty string return 0, 0 meaning no crop.
func ParseAspectRatio(s string) (w, h int, err error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "original" {
		return 0, 0, nil
	}
	sep := strings.IndexAny(s, ":x/")
	if sep <= 0 || sep == len(s)-1 {
		return 0, 0, fmt.Errorf("aspectRatio %q must look like 16:9", s)
	}
	w, errW := strconv.Atoi(strings.TrimSpace(s[:sep]))
	h, errH := strconv.Atoi(strings.TrimSpace(s[sep+1:]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("aspectRatio %q must use positive integers", s)
	}
	return w, h, nil
}
