// Package callback encodes action descriptors into inline-button payloads.
//
// Wire format:
//
//	{kind}:{action_id}          approve, reject, feedback-prompt, custom-prompt
//	{kind}:{action_id}:{index}  select
//
// where kind is a single letter (a, r, s, f, c), action_id is 1..MaxActionIDLen
// characters from [A-Za-z0-9_-], and index is a canonical decimal in
// [0, MaxOptionIndex] (no sign, no leading zeros).
package callback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxPayloadLen is the Bot API's hard limit on callback_data, in bytes.
	MaxPayloadLen = 64

	// MaxActionIDLen bounds action ids so every payload fits MaxPayloadLen.
	MaxActionIDLen = 32

	// MaxOptionIndex is the largest encodable select index.
	MaxOptionIndex = 999

	separator = ":"
)

// Kind is the closed set of button actions.
type Kind int

const (
	KindApprove Kind = iota + 1
	KindReject
	KindSelect
	KindFeedbackPrompt
	KindCustomPrompt
)

func (k Kind) String() string {
	switch k {
	case KindApprove:
		return "approve"
	case KindReject:
		return "reject"
	case KindSelect:
		return "select"
	case KindFeedbackPrompt:
		return "feedback-prompt"
	case KindCustomPrompt:
		return "custom-prompt"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) tag() (string, bool) {
	switch k {
	case KindApprove:
		return "a", true
	case KindReject:
		return "r", true
	case KindSelect:
		return "s", true
	case KindFeedbackPrompt:
		return "f", true
	case KindCustomPrompt:
		return "c", true
	}
	return "", false
}

func kindFromTag(tag string) (Kind, bool) {
	switch tag {
	case "a":
		return KindApprove, true
	case "r":
		return KindReject, true
	case "s":
		return KindSelect, true
	case "f":
		return KindFeedbackPrompt, true
	case "c":
		return KindCustomPrompt, true
	}
	return 0, false
}

// Descriptor is the decoded content of a button payload. OptionIndex is
// non-nil exactly when Kind is KindSelect.
type Descriptor struct {
	Kind        Kind
	ActionID    string
	OptionIndex *int
}

// Approve, Reject, Select, FeedbackPrompt and CustomPrompt build descriptors.
func Approve(actionID string) Descriptor { return Descriptor{Kind: KindApprove, ActionID: actionID} }
func Reject(actionID string) Descriptor  { return Descriptor{Kind: KindReject, ActionID: actionID} }
func FeedbackPrompt(actionID string) Descriptor {
	return Descriptor{Kind: KindFeedbackPrompt, ActionID: actionID}
}
func CustomPrompt(actionID string) Descriptor {
	return Descriptor{Kind: KindCustomPrompt, ActionID: actionID}
}
func Select(actionID string, index int) Descriptor {
	return Descriptor{Kind: KindSelect, ActionID: actionID, OptionIndex: &index}
}

// Equal reports whether two descriptors carry the same content.
func (d Descriptor) Equal(o Descriptor) bool {
	if d.Kind != o.Kind || d.ActionID != o.ActionID {
		return false
	}
	if (d.OptionIndex == nil) != (o.OptionIndex == nil) {
		return false
	}
	return d.OptionIndex == nil || *d.OptionIndex == *o.OptionIndex
}

// ErrDecode is matched by every DecodeError.
var ErrDecode = errors.New("invalid callback payload")

// ErrEncode is returned for descriptors that cannot be represented.
var ErrEncode = errors.New("unencodable action descriptor")

// DecodeError describes why a payload was rejected.
type DecodeError struct {
	Payload string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrDecode, e.Payload, e.Reason)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Encode packs d into a payload of at most MaxPayloadLen bytes.
func Encode(d Descriptor) (string, error) {
	tag, ok := d.Kind.tag()
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %v", ErrEncode, d.Kind)
	}
	if reason := checkActionID(d.ActionID); reason != "" {
		return "", fmt.Errorf("%w: %s", ErrEncode, reason)
	}

	parts := []string{tag, d.ActionID}
	switch d.Kind {
	case KindSelect:
		if d.OptionIndex == nil {
			return "", fmt.Errorf("%w: select without option index", ErrEncode)
		}
		if *d.OptionIndex < 0 || *d.OptionIndex > MaxOptionIndex {
			return "", fmt.Errorf("%w: option index %d out of range [0, %d]", ErrEncode, *d.OptionIndex, MaxOptionIndex)
		}
		parts = append(parts, strconv.Itoa(*d.OptionIndex))
	case KindApprove, KindReject, KindFeedbackPrompt, KindCustomPrompt:
		if d.OptionIndex != nil {
			return "", fmt.Errorf("%w: option index not allowed for %v", ErrEncode, d.Kind)
		}
	}

	out := strings.Join(parts, separator)
	if len(out) > MaxPayloadLen {
		return "", fmt.Errorf("%w: payload is %d bytes, limit %d", ErrEncode, len(out), MaxPayloadLen)
	}
	return out, nil
}

// MustEncode is Encode for descriptors known to be valid; it panics otherwise.
func MustEncode(d Descriptor) string {
	s, err := Encode(d)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode parses a payload produced by Encode. Any malformed, truncated or
// inconsistent payload yields a *DecodeError.
func Decode(payload string) (Descriptor, error) {
	fail := func(format string, args ...any) (Descriptor, error) {
		return Descriptor{}, &DecodeError{Payload: payload, Reason: fmt.Sprintf(format, args...)}
	}

	if len(payload) > MaxPayloadLen {
		return fail("%d bytes exceeds limit %d", len(payload), MaxPayloadLen)
	}
	parts := strings.Split(payload, separator)
	if len(parts) < 2 || len(parts) > 3 {
		return fail("expected 2 or 3 fields, got %d", len(parts))
	}

	kind, ok := kindFromTag(parts[0])
	if !ok {
		return fail("unknown kind %q", parts[0])
	}
	if reason := checkActionID(parts[1]); reason != "" {
		return fail("%s", reason)
	}
	d := Descriptor{Kind: kind, ActionID: parts[1]}

	switch kind {
	case KindSelect:
		if len(parts) != 3 {
			return fail("select requires an option index")
		}
		idx, reason := parseIndex(parts[2])
		if reason != "" {
			return fail("%s", reason)
		}
		d.OptionIndex = &idx
	case KindApprove, KindReject, KindFeedbackPrompt, KindCustomPrompt:
		if len(parts) != 2 {
			return fail("option index not allowed for %v", kind)
		}
	}
	return d, nil
}

func checkActionID(id string) string {
	if id == "" {
		return "empty action id"
	}
	if len(id) > MaxActionIDLen {
		return fmt.Sprintf("action id longer than %d", MaxActionIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Sprintf("invalid character %q in action id", c)
		}
	}
	return ""
}

// parseIndex accepts only the canonical form Encode produces so that every
// payload decodes to exactly one descriptor.
func parseIndex(s string) (int, string) {
	if s == "" {
		return 0, "empty option index"
	}
	if len(s) > len(strconv.Itoa(MaxOptionIndex)) {
		return 0, fmt.Sprintf("option index %q out of range", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Sprintf("option index %q is not a decimal number", s)
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Sprintf("option index %q has leading zeros", s)
	}
	idx, err := strconv.Atoi(s)
	if err != nil || idx > MaxOptionIndex {
		return 0, fmt.Sprintf("option index %q out of range", s)
	}
	return idx, ""
}
