package errs

import (
	"errors"
	"fmt"
)

// Code 是对外稳定的机器可读错误码。
type Code string

const (
	CodeRoomNotFound        Code = "ROOM_NOT_FOUND"
	CodeRoomClosed          Code = "ROOM_CLOSED"
	CodeNotParticipant      Code = "NOT_PARTICIPANT"
	CodeBanned              Code = "BANNED"
	CodeCapacityExceeded    Code = "CAPACITY_EXCEEDED"
	CodeContentTooLong      Code = "CONTENT_TOO_LONG"
	CodeInvalidReplyTarget  Code = "INVALID_REPLY_TARGET"
	CodeInviteRequired      Code = "INVITE_REQUIRED"
	CodePasswordRequired    Code = "PASSWORD_REQUIRED"
	CodeStorageUnavailable  Code = "STORAGE_UNAVAILABLE"
	CodeDuplicateInviteCode Code = "DUPLICATE_INVITE_CODE"
	CodeForbidden           Code = "FORBIDDEN"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeInternal            Code = "INTERNAL"
)

// Error 携带错误码与可读消息，服务层只返回这一种错误类型。
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 按错误码比较，方便 errors.Is 与哨兵错误配合使用。
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// From 提取结构化错误；非结构化错误一律折叠为 INTERNAL。
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

// 领域哨兵错误目录。
var (
	ErrRoomNotFound        = New(CodeRoomNotFound, "room not found")
	ErrRoomClosed          = New(CodeRoomClosed, "room is closed")
	ErrNotParticipant      = New(CodeNotParticipant, "not an active participant of this room")
	ErrBanned              = New(CodeBanned, "banned from this room")
	ErrCapacityExceeded    = New(CodeCapacityExceeded, "room participant capacity reached")
	ErrContentTooLong      = New(CodeContentTooLong, "message content exceeds the allowed length")
	ErrInvalidReplyTarget  = New(CodeInvalidReplyTarget, "reply target does not belong to this room")
	ErrInviteRequired      = New(CodeInviteRequired, "an invite code is required to join this room")
	ErrPasswordRequired    = New(CodePasswordRequired, "a password is required to join this room")
	ErrStorageUnavailable  = New(CodeStorageUnavailable, "room storage unit is unavailable")
	ErrDuplicateInviteCode = New(CodeDuplicateInviteCode, "invite code already in use")
	ErrForbidden           = New(CodeForbidden, "operation not allowed")
)
