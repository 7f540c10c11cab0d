package actions

import "fmt"

// Kind tags which visitor action produced a result.
type Kind string

const (
	KindSend     Kind = "send"
	KindEdit     Kind = "edit"
	KindDelete   Kind = "delete"
	KindReact    Kind = "react"
	KindRate     Kind = "rate"
	KindKeyboard Kind = "keyboard"
	KindUpload   Kind = "upload"
	KindRead     Kind = "read"
	KindChat     Kind = "chat"
	KindHistory  Kind = "history"
)

// Code is a server-defined action error code. The set is closed per
// action server-side; anything unrecognized maps to CodeUnknown instead
// of failing the session.
type Code string

const (
	CodeMessageEmpty       Code = "message_empty"
	CodeMessageTooLong     Code = "message_too_long"
	CodeMessageNotFound    Code = "message_not_found"
	CodeNotAllowed         Code = "not_allowed"
	CodeQuoteNotFound      Code = "quoted_message_not_found"
	CodeFileTooLarge       Code = "file_too_large"
	CodeFileTypeNotAllowed Code = "file_type_not_allowed"
	CodeNoChat             Code = "no_chat"
	CodeRateDisabled       Code = "rate_disabled"
	CodeButtonNotFound     Code = "button_not_found"
	CodeUnknown            Code = "unknown"
)

var knownCodes = map[string]Code{
	string(CodeMessageEmpty):       CodeMessageEmpty,
	string(CodeMessageTooLong):     CodeMessageTooLong,
	string(CodeMessageNotFound):    CodeMessageNotFound,
	string(CodeNotAllowed):         CodeNotAllowed,
	string(CodeQuoteNotFound):      CodeQuoteNotFound,
	string(CodeFileTooLarge):       CodeFileTooLarge,
	string(CodeFileTypeNotAllowed): CodeFileTypeNotAllowed,
	string(CodeNoChat):             CodeNoChat,
	string(CodeRateDisabled):       CodeRateDisabled,
	string(CodeButtonNotFound):     CodeButtonNotFound,
}

// Error is the tagged action failure: which action failed and the typed
// code the server reported. It is terminal for that single action.
type Error struct {
	Action Kind
	Code   Code
	// Raw preserves the wire code when it mapped to CodeUnknown.
	Raw string
}

func (e *Error) Error() string {
	if e.Code == CodeUnknown && e.Raw != "" {
		return fmt.Sprintf("action %s failed: unknown server code %q", e.Action, e.Raw)
	}
	return fmt.Sprintf("action %s failed: %s", e.Action, e.Code)
}

// Fatal account-level codes: the session is destroyed and the fatal
// handler invoked; no retry.
const (
	fatalAccountBlocked  = "account-blocked"
	fatalVisitorBanned   = "visitor-banned"
	fatalProvidedExpired = "provided-visitor-expired"
	fatalWrongHash       = "wrong-provided-visitor-hash"
)

// FatalError is an account-level failure that terminates the session.
type FatalError struct {
	Code string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal account error: %s", e.Code)
}

func isFatalCode(code string) bool {
	switch code {
	case fatalAccountBlocked, fatalVisitorBanned, fatalProvidedExpired, fatalWrongHash:
		return true
	}
	return false
}

func mapCode(action Kind, wire string) error {
	if isFatalCode(wire) {
		return &FatalError{Code: wire}
	}
	if c, ok := knownCodes[wire]; ok {
		return &Error{Action: action, Code: c}
	}
	return &Error{Action: action, Code: CodeUnknown, Raw: wire}
}
