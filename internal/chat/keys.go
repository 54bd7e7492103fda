package chat

import "strings"

// DefaultSession is the session discriminator that collapses into the bare
// base user id.
const DefaultSession = "default"

// TargetPrefix marks an outbound target as belonging to this channel.
const TargetPrefix = "pwa-chat:"

// DeriveUserKey combines a base user id and a session id into the
// per-conversation key. The default session maps to the bare user id so
// single-session users keep stable keys.
func DeriveUserKey(baseUserID, sessionID string) string {
	if sessionID == "" || sessionID == DefaultSession {
		return baseUserID
	}
	return baseUserID + ":" + sessionID
}

// SplitUserKey is the inverse of DeriveUserKey.
func SplitUserKey(userKey string) (baseUserID, sessionID string) {
	if i := strings.IndexByte(userKey, ':'); i >= 0 {
		return userKey[:i], userKey[i+1:]
	}
	return userKey, DefaultSession
}

// StripTargetPrefix normalizes an outbound target into a user key.
func StripTargetPrefix(target string) string {
	return strings.TrimPrefix(target, TargetPrefix)
}

// SanitizeKey maps a user key onto a safe file name: any rune outside
// [A-Za-z0-9_-] becomes an underscore.
func SanitizeKey(userKey string) string {
	var b strings.Builder
	b.Grow(len(userKey))
	for _, r := range userKey {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
