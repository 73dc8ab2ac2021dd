// Package ratelimit implements the adaptive outbound pacing engine: MX
// provider normalization, per-provider backoff and circuit breaking, and
// slot-based send scheduling.
package ratelimit

import (
	"strings"
	"sync"
)

// secondLevelSuffixes are multi-label public suffixes where the effective
// base domain requires the last three labels instead of the usual two
// (e.g. "mx.example.co.uk" -> "example.co.uk", not "co.uk").
var secondLevelSuffixes = map[string]bool{
	"co.uk":  true,
	"com.au": true,
	"co.jp":  true,
	"com.br": true,
	"co.nz":  true,
	"co.za":  true,
	"com.mx": true,
	"co.in":  true,
	"com.sg": true,
	"co.kr":  true,
	"co.id":  true,
	"com.tr": true,
}

// canonicalizationMap folds MX base domains belonging to the same consumer
// mail provider onto one canonical provider key.
var canonicalizationMap = map[string]string{
	"yahoodns.net":   "yahoo.com",
	"yahoo.com":      "yahoo.com",
	"ymail.com":      "yahoo.com",
	"aol.com":        "yahoo.com",
	"googlemail.com": "google.com",
	"google.com":     "google.com",
	"outlook.com":    "outlook.com",
	"hotmail.com":    "outlook.com",
	"live.com":       "outlook.com",
	"msn.com":        "outlook.com",
	"protection.outlook.com": "outlook.com",
	"icloud.com": "icloud.com",
	"me.com":     "icloud.com",
	"mac.com":    "icloud.com",
	"mail.ru":    "mail.ru",
	"yandex.net": "yandex.ru",
	"yandex.ru":  "yandex.ru",
	"yandex.com": "yandex.ru",
}

// knownProviderTable maps consumer-facing recipient domain aliases directly
// to their canonical provider key, for the case where no MX hostname is
// available (pre-send scheduling decisions).
var knownProviderTable = map[string]string{
	"gmail.com":      "google.com",
	"googlemail.com": "google.com",
	"outlook.com":    "outlook.com",
	"hotmail.com":    "outlook.com",
	"live.com":       "outlook.com",
	"msn.com":        "outlook.com",
	"yahoo.com":      "yahoo.com",
	"ymail.com":      "yahoo.com",
	"aol.com":        "yahoo.com",
	"icloud.com":     "icloud.com",
	"me.com":         "icloud.com",
	"mac.com":        "icloud.com",
	"mail.ru":        "mail.ru",
	"yandex.ru":      "yandex.ru",
	"yandex.com":     "yandex.ru",
}

// Normalizer maps a (recipient domain, MX hostname?) pair to a canonical
// provider key, per §4.1 of the pacing specification.
type Normalizer struct {
	// cache holds recipient domain -> provider key mappings learned from
	// step 1 of Resolve, for later lookups (typically scheduler entries)
	// that have no MX hostname available.
	cache sync.Map
}

// NewNormalizer creates an empty Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Resolve returns the canonical provider key for recipientDomain. If
// mxHost is non-empty, the MX-hostname-based algorithm (step 1) runs and
// its result is cached against recipientDomain for later MX-less lookups
// (e.g. the pre-send scheduler, which only ever has the recipient domain).
func (n *Normalizer) Resolve(recipientDomain, mxHost string) string {
	recipientDomain = strings.ToLower(strings.TrimSpace(recipientDomain))

	if mxHost != "" {
		base := baseDomain(strings.ToLower(strings.TrimSpace(mxHost)))
		pk := canonicalize(base)
		if recipientDomain != "" {
			n.cache.Store(recipientDomain, pk)
		}
		return pk
	}

	if pk, ok := knownProviderTable[recipientDomain]; ok {
		return pk
	}

	if v, ok := n.cache.Load(recipientDomain); ok {
		return v.(string)
	}

	return recipientDomain
}

// ClearCache drops all cached recipient-domain-to-provider mappings.
func (n *Normalizer) ClearCache() {
	n.cache.Range(func(key, _ interface{}) bool {
		n.cache.Delete(key)
		return true
	})
}

// canonicalize folds a base domain through the canonicalization map, if a
// mapping exists; otherwise the base domain is its own provider key.
func canonicalize(base string) string {
	if pk, ok := canonicalizationMap[base]; ok {
		return pk
	}
	return base
}

// baseDomain returns the last two labels of host, unless those two labels
// form a known multi-label suffix, in which case the last three labels are
// returned instead (ccTLD-aware).
func baseDomain(host string) string {
	host = strings.TrimSuffix(host, ".")
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}

	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if secondLevelSuffixes[lastTwo] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}

	return lastTwo
}

// IsEnabledForProvider reports whether adaptive pacing is configured for
// the given provider key. enabledProviders is the raw configuration map
// (see config.RateLimitConfig.EnabledProviders) of provider-or-alias names
// to truthy/falsy values; wildcard entries ("*" or "__all__") enable every
// provider.
func IsEnabledForProvider(enabledProviders map[string]interface{}, pk, recipientDomain string) bool {
	if len(enabledProviders) == 0 {
		return false
	}

	if isTruthy(enabledProviders["*"]) || isTruthy(enabledProviders["__all__"]) {
		return true
	}

	if isTruthy(enabledProviders[pk]) {
		return true
	}

	// Any known recipient alias that maps to this provider.
	for alias, target := range knownProviderTable {
		if target == pk && isTruthy(enabledProviders[alias]) {
			return true
		}
	}

	// Any suffix of the recipient domain (e.g. "example.com" enables
	// "mail.example.com").
	recipientDomain = strings.ToLower(strings.TrimSpace(recipientDomain))
	labels := strings.Split(recipientDomain, ".")
	for i := range labels {
		suffix := strings.Join(labels[i:], ".")
		if suffix == "" {
			continue
		}
		if isTruthy(enabledProviders[suffix]) {
			return true
		}
	}

	return false
}

// isTruthy interprets a config map value as a boolean, accepting native
// bools as well as "true"/"false"/"1"/"0" strings and the loose forms
// malformed YAML parsing might produce.
func isTruthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return false
	}
}
