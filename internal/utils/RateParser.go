package utils

import (
	"fmt"
	"strconv"
	"strings"
)

var rateUnits = map[byte]int{
	's': 1,
	'm': 60,
	'h': 3600,
}

// ParseRate reads a "<limit>/<window>" rate such as "30/60s" and returns the
// limit and the window in seconds.
func ParseRate(s string) (limit int, seconds int, err error) {
	count, window, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || strings.Contains(window, "/") {
		return 0, 0, fmt.Errorf("unexpected rate format: %s", s)
	}
	limit, err = strconv.Atoi(count)
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("unexpected rate limit: %s", s)
	}
	if len(window) < 2 {
		return 0, 0, fmt.Errorf("unexpected rate window: %s", window)
	}
	mult, ok := rateUnits[window[len(window)-1]]
	if !ok {
		return 0, 0, fmt.Errorf("unexpected time unit: %s", window[len(window)-1:])
	}
	n, err := strconv.Atoi(window[:len(window)-1])
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("unexpected rate window: %s", window)
	}
	return limit, n * mult, nil
}
