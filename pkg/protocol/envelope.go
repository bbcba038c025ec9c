package protocol

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Handshake sentinels
const (
	SentinelInvalid           = "INVALID"
	SentinelDuplicateUsername = "DUPLICATE_USERNAME"
	SentinelInvalidUsername   = "INVALID_USERNAME"
)

const (
	userListPrefix  = "USERS:"
	privatePrefix   = "PRIVATE:"
	deliveredPrefix = "💬 [Private] "
	joinPrefix      = "🟢 "
	joinSuffix      = " joined the chat."
	leavePrefix     = "🔴 "
	leaveSuffix     = " left the chat."
	rejectedPrefix  = "❌ "
	rejectedSuffix  = " not found."
	senderSeparator = ": "
)

// DefaultMaxUsernameLength bounds usernames in runes
const DefaultMaxUsernameLength = 32

// Kind tags the variants of the message envelope
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthPassword
	KindAuthKeyResponse
	KindUsername
	KindUserList
	KindBroadcast
	KindPrivate
	KindPrivateRejected
	KindJoin
	KindLeave
	KindInvalid
	KindDuplicateUsername
	KindInvalidUsername
)

func (k Kind) String() string {
	switch k {
	case KindAuthPassword:
		return "AUTH_PASSWORD"
	case KindAuthKeyResponse:
		return "AUTH_KEY"
	case KindUsername:
		return "USERNAME"
	case KindUserList:
		return "USER_LIST"
	case KindBroadcast:
		return "BROADCAST"
	case KindPrivate:
		return "PRIVATE"
	case KindPrivateRejected:
		return "PRIVATE_REJECTED"
	case KindJoin:
		return "JOIN"
	case KindLeave:
		return "LEAVE"
	case KindInvalid:
		return "INVALID"
	case KindDuplicateUsername:
		return "DUPLICATE_USERNAME"
	case KindInvalidUsername:
		return "INVALID_USERNAME"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the plaintext message carried inside one frame.
// Which fields are meaningful depends on Kind:
//   - AuthPassword, AuthKeyResponse, Username: Text
//   - UserList: Users
//   - Broadcast: Sender, Text
//   - Private: Sender, Target (client to server only), Text
//   - PrivateRejected: Target
//   - Join, Leave: Sender
type Envelope struct {
	Kind   Kind
	Sender string
	Target string
	Text   string
	Users  []string
}

// String renders the envelope in its wire encoding
func (e Envelope) String() string {
	switch e.Kind {
	case KindAuthPassword, KindAuthKeyResponse, KindUsername:
		return e.Text
	case KindUserList:
		return FormatUserList(e.Users)
	case KindBroadcast:
		return FormatBroadcast(e.Sender, e.Text)
	case KindPrivate:
		if e.Target != "" {
			return FormatPrivateRequest(e.Target, e.Text)
		}
		return FormatPrivate(e.Sender, e.Text)
	case KindPrivateRejected:
		return FormatPrivateRejected(e.Target)
	case KindJoin:
		return FormatJoin(e.Sender)
	case KindLeave:
		return FormatLeave(e.Sender)
	case KindInvalid:
		return SentinelInvalid
	case KindDuplicateUsername:
		return SentinelDuplicateUsername
	case KindInvalidUsername:
		return SentinelInvalidUsername
	default:
		return e.Text
	}
}

// FormatUserList renders USERS:<comma-separated usernames>
func FormatUserList(users []string) string {
	return userListPrefix + strings.Join(users, ",")
}

// FormatBroadcast renders a chat line as "<sender>: <text>"
func FormatBroadcast(sender, text string) string {
	return sender + senderSeparator + text
}

// FormatJoin renders the join notice for username
func FormatJoin(username string) string {
	return joinPrefix + username + joinSuffix
}

// FormatLeave renders the leave notice for username
func FormatLeave(username string) string {
	return leavePrefix + username + leaveSuffix
}

// FormatPrivate renders a private message as delivered by the server
func FormatPrivate(sender, text string) string {
	return deliveredPrefix + sender + senderSeparator + text
}

// FormatPrivateRejected renders the notice for an unknown private target
func FormatPrivateRejected(target string) string {
	return rejectedPrefix + target + rejectedSuffix
}

// FormatPrivateRequest renders a client's private send: PRIVATE:<target>:<text>
func FormatPrivateRequest(target, text string) string {
	return privatePrefix + target + ":" + text
}

// IsPrivateRequest reports whether msg carries the PRIVATE: prefix
func IsPrivateRequest(msg string) bool {
	return strings.HasPrefix(msg, privatePrefix)
}

// ParsePrivateRequest splits PRIVATE:<target>:<text>. The text may itself
// contain colons; only the first two separate fields.
func ParsePrivateRequest(msg string) (target, text string, err error) {
	if !IsPrivateRequest(msg) {
		return "", "", ErrNotPrivate
	}
	parts := strings.SplitN(msg, ":", 3)
	if len(parts) != 3 {
		return "", "", ErrMalformedPrivate
	}
	return parts[1], parts[2], nil
}

// ParseServerMessage classifies a decrypted server-to-client message.
// Anything unrecognised is a broadcast chat line.
func ParseServerMessage(msg string) Envelope {
	switch msg {
	case SentinelInvalid:
		return Envelope{Kind: KindInvalid}
	case SentinelDuplicateUsername:
		return Envelope{Kind: KindDuplicateUsername}
	case SentinelInvalidUsername:
		return Envelope{Kind: KindInvalidUsername}
	}

	// Usernames never start with a space, so "USERS: ..." is a chat line from
	// a user called USERS rather than a list.
	if strings.HasPrefix(msg, userListPrefix) && !strings.HasPrefix(msg, userListPrefix+" ") {
		return Envelope{Kind: KindUserList, Users: splitUsers(strings.TrimPrefix(msg, userListPrefix))}
	}

	if strings.HasPrefix(msg, joinPrefix) && strings.HasSuffix(msg, joinSuffix) {
		name := strings.TrimSuffix(strings.TrimPrefix(msg, joinPrefix), joinSuffix)
		return Envelope{Kind: KindJoin, Sender: name}
	}

	if strings.HasPrefix(msg, leavePrefix) && strings.HasSuffix(msg, leaveSuffix) {
		name := strings.TrimSuffix(strings.TrimPrefix(msg, leavePrefix), leaveSuffix)
		return Envelope{Kind: KindLeave, Sender: name}
	}

	if strings.HasPrefix(msg, deliveredPrefix) {
		sender, text, _ := strings.Cut(strings.TrimPrefix(msg, deliveredPrefix), senderSeparator)
		return Envelope{Kind: KindPrivate, Sender: sender, Text: text}
	}

	if strings.HasPrefix(msg, rejectedPrefix) && strings.HasSuffix(msg, rejectedSuffix) {
		target := strings.TrimSuffix(strings.TrimPrefix(msg, rejectedPrefix), rejectedSuffix)
		return Envelope{Kind: KindPrivateRejected, Target: target}
	}

	if sender, text, ok := strings.Cut(msg, senderSeparator); ok {
		return Envelope{Kind: KindBroadcast, Sender: sender, Text: text}
	}
	return Envelope{Kind: KindBroadcast, Text: msg}
}

func splitUsers(list string) []string {
	if list == "" {
		return []string{}
	}
	return strings.Split(list, ",")
}

// ValidateUsername checks that a name can travel inside every envelope
// without being misread: no list or field separators, no control
// characters, no leading notice glyph.
func ValidateUsername(name string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxUsernameLength
	}
	if name == "" || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: must be non-empty without surrounding spaces", ErrInvalidUsername)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidUsername)
	}
	if n := utf8.RuneCountInString(name); n > maxLen {
		return fmt.Errorf("%w: %d characters exceeds limit of %d", ErrInvalidUsername, n, maxLen)
	}
	if strings.ContainsAny(name, ",:") {
		return fmt.Errorf("%w: must not contain ',' or ':'", ErrInvalidUsername)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidUsername)
		}
	}
	for _, glyph := range []string{joinPrefix, leavePrefix, rejectedPrefix, "💬"} {
		if strings.HasPrefix(name, strings.TrimSpace(glyph)) {
			return fmt.Errorf("%w: reserved prefix", ErrInvalidUsername)
		}
	}
	return nil
}
