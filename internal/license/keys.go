package license

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Scratch-card style license keys: MT<duration code>-XXXXX-XXXXX where the
// duration code is 1M, 3M, 6M or 1Y. Trial licenses issued by machine
// registration use the TR code and are never sold as cards.
//
// The charset drops 0/O/1/I so keys survive being read over the phone.
const keyCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var keyPattern = regexp.MustCompile(`^MT(1M|3M|6M|1Y|TR)-[A-Z2-9]{5}-[A-Z2-9]{5}$`)

var durationCodes = map[string]string{
	DurationOneMonth: "1M",
	DurationQuarter:  "3M",
	DurationHalfYear: "6M",
	DurationOneYear:  "1Y",
	DurationTrial:    "TR",
}

// ValidKeyFormat reports whether key matches the issued key format. Keys are
// normalized to upper case before matching so user input survives sloppy
// entry.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(NormalizeKey(key))
}

// NormalizeKey upper-cases and trims a key as entered by a user.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// GenerateKey creates a new random license key for the given duration code.
func GenerateKey(duration string) (string, error) {
	code, ok := durationCodes[duration]
	if !ok {
		return "", fmt.Errorf("%w: unknown duration %q", ErrInvalidKeyFormat, duration)
	}

	segment := func() (string, error) {
		buf := make([]byte, 5)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		out := make([]byte, 5)
		for i, b := range buf {
			out[i] = keyCharset[int(b)%len(keyCharset)]
		}
		return string(out), nil
	}

	a, err := segment()
	if err != nil {
		return "", err
	}
	b, err := segment()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("MT%s-%s-%s", code, a, b), nil
}

// DurationToExpiry converts a duration code into an absolute expiration,
// anchored at the activation time. Trial licenses get seven days.
func DurationToExpiry(duration string, activatedAt time.Time) time.Time {
	switch duration {
	case DurationOneMonth:
		return activatedAt.AddDate(0, 1, 0)
	case DurationQuarter:
		return activatedAt.AddDate(0, 3, 0)
	case DurationHalfYear:
		return activatedAt.AddDate(0, 6, 0)
	case DurationOneYear:
		return activatedAt.AddDate(1, 0, 0)
	case DurationTrial:
		return activatedAt.AddDate(0, 0, 7)
	default:
		return activatedAt.AddDate(0, 1, 0)
	}
}

// MaskKey hides the middle of a license key for log output. Full keys never
// reach logs or audit events.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
