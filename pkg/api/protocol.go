package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Маркеры и разделители протокола
const (
	ResponseOK    = "OK"
	ResponseError = "ERROR"

	// Separator разделяет поля конверта, подпись и данные, timestamp и данные
	Separator = ","
	// IDSeparator разделяет идентификаторы в ответе findids
	IDSeparator = "|"

	Yes = "YES"
	No  = "NO"
)

// ErrorCode - числовой код ошибки протокола.
// 1xxx - регистрация, 2xxx - открытие storage, 3xxx - операции с things.
type ErrorCode int

const (
	CodeRepositoryDoesNotExist      ErrorCode = 1001
	CodeAppRegistrationFailed       ErrorCode = 1002
	CodeIncorrectAppToken           ErrorCode = 2001
	CodeOpenStorageFailed           ErrorCode = 2002
	CodeIncorrectStorageToken       ErrorCode = 3001
	CodeThingOperationFailed        ErrorCode = 3002
	CodeThingNotFound               ErrorCode = 3003
	CodeSignatureVerificationFailed ErrorCode = 3004
)

var codeNames = map[ErrorCode]string{
	CodeRepositoryDoesNotExist:      "RepositoryDoesNotExist",
	CodeAppRegistrationFailed:       "AppRegistrationFailed",
	CodeIncorrectAppToken:           "IncorrectAppToken",
	CodeOpenStorageFailed:           "OpenStorageFailed",
	CodeIncorrectStorageToken:       "IncorrectStorageToken",
	CodeThingOperationFailed:        "ThingOperationFailed",
	CodeThingNotFound:               "ThingNotFound",
	CodeSignatureVerificationFailed: "SignatureVerificationFailed",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "ErrorCode(" + strconv.Itoa(int(c)) + ")"
}

// Error - ошибка, переданная сервером в конверте ERROR,<code>,<message>.
// errors.Is сравнивает только коды.
type Error struct {
	Message string
	Code    ErrorCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Message)
}

// Is позволяет сравнивать с ErrRepositoryDoesNotExist и другими по коду
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Эталонные ошибки для errors.Is
var (
	ErrRepositoryDoesNotExist      = &Error{Code: CodeRepositoryDoesNotExist, Message: "repository does not exist"}
	ErrAppRegistrationFailed       = &Error{Code: CodeAppRegistrationFailed, Message: "app registration failed"}
	ErrIncorrectAppToken           = &Error{Code: CodeIncorrectAppToken, Message: "incorrect app token"}
	ErrOpenStorageFailed           = &Error{Code: CodeOpenStorageFailed, Message: "open storage failed"}
	ErrIncorrectStorageToken       = &Error{Code: CodeIncorrectStorageToken, Message: "incorrect storage token"}
	ErrThingOperationFailed        = &Error{Code: CodeThingOperationFailed, Message: "thing operation failed"}
	ErrThingNotFound               = &Error{Code: CodeThingNotFound, Message: "thing not found"}
	ErrSignatureVerificationFailed = &Error{Code: CodeSignatureVerificationFailed, Message: "signature verification failed"}
)

// ErrMalformedResponse returned when envelope cannot be parsed
var ErrMalformedResponse = errors.New("malformed response")

// FormatOK собирает успешный конверт: "OK" или "OK,<part>[,<part>...]"
func FormatOK(parts ...string) string {
	if len(parts) == 0 {
		return ResponseOK
	}
	return ResponseOK + Separator + strings.Join(parts, Separator)
}

// FormatError собирает конверт ошибки "ERROR,<code>,<message>"
func FormatError(code ErrorCode, message string) string {
	return ResponseError + Separator + strconv.Itoa(int(code)) + Separator + message
}

// ParseResponse разбирает (уже деобфусцированный) конверт.
// Для OK возвращает payload (пустой для голого "OK"), для ERROR - *Error.
func ParseResponse(envelope string) (string, error) {
	head, rest, hasRest := strings.Cut(envelope, Separator)

	switch head {
	case ResponseOK:
		return rest, nil
	case ResponseError:
		if !hasRest {
			return "", fmt.Errorf("%w: error envelope without code", ErrMalformedResponse)
		}
		codeStr, message, _ := strings.Cut(rest, Separator)
		code, err := strconv.Atoi(codeStr)
		if err != nil {
			return "", fmt.Errorf("%w: invalid error code %q", ErrMalformedResponse, codeStr)
		}
		return "", &Error{Code: ErrorCode(code), Message: message}
	default:
		return "", fmt.Errorf("%w: unexpected marker %q", ErrMalformedResponse, head)
	}
}

// SplitPair делит строку по первой запятой: "<signature>,<data>", "<modifiedOn>,<data>"
func SplitPair(s string) (first, second string, err error) {
	first, second, ok := strings.Cut(s, Separator)
	if !ok {
		return "", "", fmt.Errorf("%w: expected two comma separated fields", ErrMalformedResponse)
	}
	return first, second, nil
}

// FormatTimestamp кодирует время как Unix наносекунды
func FormatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// ParseTimestamp разбирает результат FormatTimestamp
func ParseTimestamp(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return time.Unix(0, n), nil
}

// JoinIDs и SplitIDs кодируют список идентификаторов для findids
func JoinIDs(ids []string) string {
	return strings.Join(ids, IDSeparator)
}

func SplitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, IDSeparator)
}
