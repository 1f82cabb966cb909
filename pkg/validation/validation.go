package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"chatnest/internal/core/domain"
)

var (
	// PeerIDRegex validates rendezvous identity format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

	// PhoneRegex accepts digits with common separators and an optional leading +
	PhoneRegex = regexp.MustCompile(`^\+?[0-9 ()\-.]{3,32}$`)
)

const (
	MaxPeerIDLength  = 64
	MaxNameLength    = 64
	MaxBioLength     = 280
	MaxMessageLength = 16 * 1024
)

// ValidatePeerID validates a rendezvous identity
func ValidatePeerID(id domain.PeerID) error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("peer id is required")
	}
	if len(s) > MaxPeerIDLength {
		return fmt.Errorf("peer id is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(s) {
		return fmt.Errorf("invalid peer id format")
	}
	return nil
}

// ValidatePhone validates an optional phone number
func ValidatePhone(phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil
	}
	if !PhoneRegex.MatchString(phone) {
		return fmt.Errorf("invalid phone number")
	}
	return nil
}

// ValidateURL validates an optional avatar or media URL; data: URLs are accepted.
func ValidateURL(urlStr string) error {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return nil
	}
	if strings.HasPrefix(urlStr, "data:") {
		return nil
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateProfile validates user-editable profile fields
func ValidateProfile(p domain.Profile) error {
	if err := ValidatePeerID(p.ID); err != nil {
		return err
	}
	if err := ValidateNonEmptyString(p.Name, "name"); err != nil {
		return err
	}
	if err := ValidateStringLength(p.Name, 1, MaxNameLength, "name"); err != nil {
		return err
	}
	if err := ValidateStringLength(p.Bio, 0, MaxBioLength, "bio"); err != nil {
		return err
	}
	if err := ValidatePhone(p.Phone); err != nil {
		return err
	}
	return ValidateURL(p.Avatar)
}

// ValidateMessageText bounds outgoing text length
func ValidateMessageText(text string) error {
	return ValidateStringLength(text, 0, MaxMessageLength, "message")
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
