package license

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// expiryWarning is how close to expiry a license starts to warn.
const expiryWarning = 30 * 24 * time.Hour

// LogResult logs a validation result in a user-friendly format
func LogResult(result Result) {
	LogResultAt(result, time.Now())
}

// LogResultAt is LogResult with an explicit reference time.
func LogResultAt(result Result, now time.Time) {
	logger := logrus.WithFields(logrus.Fields{
		"plugin": result.PluginSlug,
		"state":  result.State,
	})

	switch {
	case !result.Valid:
		entry := logger
		if result.Error != ErrorNone {
			entry = entry.WithField("error_kind", result.Error)
		}
		if result.Reason != "" {
			entry = entry.WithField("reason", result.Reason)
		}
		entry.Warn("🚨 " + describeFailure(result))
		return

	case result.Grace:
		logger.WithField("error_kind", result.Error).
			Warnf("⚠️  License could not be re-verified, running on grace period (%s left)", formatDuration(result.GraceRemaining))

	default:
		logger.Info("✅ License verified")
	}

	if !result.VerifiedAt.IsZero() {
		logger.Infof("Last verified: %s", result.VerifiedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}

	if result.ExpiresAt.IsZero() {
		logger.Info("⏰ License: No expiration date")
		return
	}

	logger.Infof("License expires: %s", result.ExpiresAt.UTC().Format("2006-01-02 15:04:05 MST"))
	remaining := calculateTimeRemaining(now, result.ExpiresAt)
	if remaining.Total > 0 {
		logger.Infof("Time remaining: %s", formatTimeRemaining(remaining))
		if remaining.Total < expiryWarning {
			logger.Warn("⚠️  License expires soon! Please renew")
		}
	}
}

func describeFailure(result Result) string {
	switch result.Error {
	case ErrorNotConfigured:
		return "License checks are not configured - activate this site first"
	case ErrorNetwork:
		return "License server unreachable and no grace period available"
	case ErrorInvalidSignature, ErrorMalformedResponse:
		return "License server response could not be verified"
	case ErrorExpired:
		return "License has expired"
	case ErrorNotYetValid:
		return "License response is not yet valid - check the system clock"
	case ErrorLicenseInvalid:
		if result.Reason != "" {
			return fmt.Sprintf("No valid license (%s)", result.Reason)
		}
		return "No valid license"
	default:
		return "License validation failed"
	}
}

// formatTimeRemaining formats the remaining time in a human-readable way
func formatTimeRemaining(remaining TimeRemaining) string {
	if remaining.Total <= 0 {
		return "Expired"
	}

	var parts []string

	if remaining.Years > 0 {
		if remaining.Years == 1 {
			parts = append(parts, "1 year")
		} else {
			parts = append(parts, fmt.Sprintf("%d years", remaining.Years))
		}
	}

	if remaining.Days > 0 {
		if remaining.Days == 1 {
			parts = append(parts, "1 day")
		} else {
			parts = append(parts, fmt.Sprintf("%d days", remaining.Days))
		}
	}

	if len(parts) == 0 {
		return formatDuration(remaining.Total)
	}

	return strings.Join(parts, ", ")
}

// formatDuration renders sub-day durations in hours, or minutes below one
// hour.
func formatDuration(d time.Duration) string {
	if d >= 24*time.Hour {
		return formatTimeRemaining(TimeRemaining{
			Years: int(d.Hours()/24) / 365,
			Days:  int(d.Hours()/24) % 365,
			Total: d,
		})
	}

	hours := int(d.Hours())
	switch {
	case hours == 1:
		return "1 hour"
	case hours > 1:
		return fmt.Sprintf("%d hours", hours)
	}

	minutes := int(d.Minutes())
	switch {
	case minutes == 1:
		return "1 minute"
	case minutes > 1:
		return fmt.Sprintf("%d minutes", minutes)
	default:
		return "Less than 1 minute"
	}
}
