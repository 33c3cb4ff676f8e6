// Package publish turns an approved run into deterministic ad bundles, a
// snapshot manifest, and a published deployment. Everything it emits is a
// pure function of the approved content, so re-publishing unchanged hashes
// reproduces the exact same UTMs and bundle ids.
package publish

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/canonical"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

const (
	defaultUTMSource = "meta"
	defaultUTMMedium = "paid_social"
)

// ContentKey concatenates the four variant ids into the utm_content value.
// Approval immutability makes this stable: editing any piece creates a new
// version with a new id, which changes the key.
func ContentKey(intentID, lpID, creativeID, adCopyID string) string {
	return strings.Join([]string{intentID, lpID, creativeID, adCopyID}, "_")
}

// ParseContentKey decomposes a utm_content value produced by ContentKey.
// ok is false when the value does not match the template.
func ParseContentKey(contentKey string) (intentID, lpID, creativeID, adCopyID string, ok bool) {
	parts := strings.Split(contentKey, "_")
	if len(parts) != 4 {
		return "", "", "", "", false
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", "", false
		}
	}
	return parts[0], parts[1], parts[2], parts[3], true
}

// UTMString renders the canonical tracking query for one bundle combination.
func UTMString(policy *contracts.UTMPolicy, runID, contentKey string) string {
	source, medium, campaign := defaultUTMSource, defaultUTMMedium, runID
	if policy != nil {
		if policy.Source != "" {
			source = policy.Source
		}
		if policy.Medium != "" {
			medium = policy.Medium
		}
		if policy.Campaign != "" {
			campaign = policy.Campaign
		}
	}
	// Fixed order, not url.Values.Encode's alphabetical one: the string is an
	// identity, so its layout must never drift.
	return fmt.Sprintf("utm_source=%s&utm_medium=%s&utm_campaign=%s&utm_content=%s",
		url.QueryEscape(source), url.QueryEscape(medium),
		url.QueryEscape(campaign), url.QueryEscape(contentKey))
}

// TrackingURL appends the UTM string to the landing page URL, respecting an
// existing query string.
func TrackingURL(publishedURL, utmString string) string {
	if strings.Contains(publishedURL, "?") {
		return publishedURL + "&" + utmString
	}
	return publishedURL + "?" + utmString
}

// BundleID derives the deterministic bundle identifier from the identity
// tuple and the approved hashes. Same inputs, same id, across publishes.
func BundleID(runID string, c Combination) string {
	digest := canonical.HashString(strings.Join([]string{
		runID, c.Intent.ID, c.Lp.ID, c.Creative.ID, c.AdCopy.ID,
		c.Lp.Approval.ApprovedHash, c.Creative.Approval.ApprovedHash, c.AdCopy.Approval.ApprovedHash,
	}, "|"))
	return "ab_" + digest[:20]
}

// Combination is one admitted (intent, lp, creative, ad copy) tuple.
type Combination struct {
	Intent   *contracts.Intent
	Lp       *contracts.LpVariant
	Creative *contracts.CreativeVariant
	AdCopy   *contracts.AdCopy
}
