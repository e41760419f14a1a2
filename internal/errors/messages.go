package errors

import (
	"fmt"

	"golang.org/x/text/language"
)

var defaultLanguage = language.English

var supportedLanguages = []language.Tag{
	language.English,
	language.Vietnamese,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

var catalog = map[language.Tag]map[ErrorCode]string{
	language.English: {
		ErrInvalidRequest:     "Invalid request",
		ErrValidationFailed:   "Validation failed",
		ErrMalformedKey:       "Key must be at least %d characters",
		ErrUnauthorized:       "Missing or invalid credentials",
		ErrTokenExpired:       "Token has expired",
		ErrInvalidSecret:      "Invalid emergency secret",
		ErrForbidden:          "Access denied",
		ErrKeyNotFound:        "Key does not exist",
		ErrUserNotFound:       "User not found",
		ErrKeyAlreadyUsed:     "Key has already been used",
		ErrKeyConflict:        "Key was redeemed by another request",
		ErrKeyExpired:         "Key has expired",
		ErrRateLimited:        "Too many requests from this IP. Try again in %d minutes",
		ErrBotDetected:        "Automated traffic detected. Blocked for %d minutes",
		ErrAccountLocked:      "Too many failed attempts. Try again in %d minutes",
		ErrInternalServer:     "Internal server error",
		ErrStorageUnavailable: "Service temporarily unavailable, please retry",
	},
	language.Vietnamese: {
		ErrInvalidRequest:     "Yêu cầu không hợp lệ",
		ErrValidationFailed:   "Dữ liệu không hợp lệ",
		ErrMalformedKey:       "Key phải có ít nhất %d ký tự",
		ErrUnauthorized:       "Thiếu hoặc sai thông tin xác thực",
		ErrTokenExpired:       "Phiên đăng nhập đã hết hạn",
		ErrInvalidSecret:      "Mã bí mật khẩn cấp không đúng",
		ErrForbidden:          "Không có quyền truy cập",
		ErrKeyNotFound:        "Key không tồn tại",
		ErrUserNotFound:       "Không tìm thấy người dùng",
		ErrKeyAlreadyUsed:     "Key đã được sử dụng",
		ErrKeyConflict:        "Key vừa được sử dụng bởi yêu cầu khác",
		ErrKeyExpired:         "Key đã hết hạn",
		ErrRateLimited:        "Quá nhiều yêu cầu từ IP này. Vui lòng thử lại sau %d phút",
		ErrBotDetected:        "Phát hiện truy cập tự động. Bị chặn trong %d phút",
		ErrAccountLocked:      "Nhập sai quá nhiều lần. Vui lòng thử lại sau %d phút",
		ErrInternalServer:     "Lỗi máy chủ",
		ErrStorageUnavailable: "Dịch vụ tạm thời không khả dụng, vui lòng thử lại",
	},
}

// MatchLanguage picks the supported language for an Accept-Language header
func MatchLanguage(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return defaultLanguage
	}
	_, idx, confidence := languageMatcher.Match(tags...)
	if confidence == language.No {
		return defaultLanguage
	}
	return supportedLanguages[idx]
}

// Localize returns a copy of err with its message in the language best matching
// acceptLanguage. Errors with custom messages are returned unchanged.
func Localize(err *APIError, acceptLanguage string) *APIError {
	tag := MatchLanguage(acceptLanguage)
	if tag == defaultLanguage {
		return err
	}
	if err.Message != formatMessage(defaultLanguage, err.Code, err.args) {
		return err
	}
	cp := *err
	cp.Message = formatMessage(tag, err.Code, err.args)
	return &cp
}

func messageFor(tag language.Tag, code ErrorCode) string {
	if msgs, ok := catalog[tag]; ok {
		if msg, ok := msgs[code]; ok {
			return msg
		}
	}
	return catalog[defaultLanguage][code]
}

func formatMessage(tag language.Tag, code ErrorCode, args []any) string {
	msg := messageFor(tag, code)
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
