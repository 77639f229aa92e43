// Package i18n holds the user-facing strings of the relay bot in every
// supported language.
package i18n

import "sort"

// DefaultLanguage is used for users who never picked a language.
const DefaultLanguage = "en"

// Message keys.
const (
	Welcome          = "welcome"
	LanguageSelected = "language_selected"
	MessageForwarded = "message_forwarded"
	ReplyReceived    = "reply_received"
	ErrorOccurred    = "error_occurred"
	GeneratedReply   = "generated_reply"
	Approve          = "approve"
	Discard          = "discard"
	ReplyApproved    = "reply_approved"
	ReplyDiscarded   = "reply_discarded"
	OriginalNotFound = "original_not_found"
	AlreadyDecided   = "already_decided"
	ReplyExpired     = "reply_expired"
)

// Language is one entry of the language menu.
type Language struct {
	Code string
	Name string
}

var names = map[string]string{
	"en": "English",
	"ru": "Русский",
	"ka": "ქართული",
}

var catalog = map[string]map[string]string{
	"en": {
		Welcome:          "Welcome! Please choose your language:",
		LanguageSelected: "Language set to English",
		MessageForwarded: "Your message has been forwarded to the support team.",
		ReplyReceived:    "You received a reply:",
		ErrorOccurred:    "An error occurred. Please try again.",
		GeneratedReply:   "Generated reply:",
		Approve:          "Approve",
		Discard:          "Discard",
		ReplyApproved:    "Reply approved and sent to user.",
		ReplyDiscarded:   "Reply discarded.",
		OriginalNotFound: "Cannot find the original message for this reply.",
		AlreadyDecided:   "This reply has already been handled.",
		ReplyExpired:     "Reply expired without a decision.",
	},
	"ru": {
		Welcome:          "Добро пожаловать! Пожалуйста, выберите ваш язык:",
		LanguageSelected: "Язык установлен на русский",
		MessageForwarded: "Ваше сообщение было отправлено в службу поддержки.",
		ReplyReceived:    "Вы получили ответ:",
		ErrorOccurred:    "Произошла ошибка. Пожалуйста, попробуйте снова.",
		GeneratedReply:   "Сгенерированный ответ:",
		Approve:          "Одобрить",
		Discard:          "Отклонить",
		ReplyApproved:    "Ответ одобрен и отправлен пользователю.",
		ReplyDiscarded:   "Ответ отклонен.",
		OriginalNotFound: "Не удалось найти исходное сообщение для этого ответа.",
		AlreadyDecided:   "Этот ответ уже обработан.",
		ReplyExpired:     "Срок ответа истек без решения.",
	},
	"ka": {
		Welcome:          "მოგესალმებათ! გთხოვთ აირჩიოთ თქვენი ენა:",
		LanguageSelected: "ენა დაყენებულია ქართულად",
		MessageForwarded: "თქვენი შეტყობინება გადაეცა მხარდაჭერის გუნდს.",
		ReplyReceived:    "თქვენ მიიღეთ პასუხი:",
		ErrorOccurred:    "დაფიქსირდა შეცდომა. გთხოვთ სცადოთ თავიდან.",
		GeneratedReply:   "გენერირებული პასუხი:",
		Approve:          "დამტკიცება",
		Discard:          "უარყოფა",
		ReplyApproved:    "პასუხი დამტკიცებული და გაგზავნილია მომხმარებელთან.",
		ReplyDiscarded:   "პასუხი უარყოფილია.",
	},
}

// Supported reports whether code has a catalog.
func Supported(code string) bool {
	_, ok := catalog[code]
	return ok
}

// Languages returns the language menu sorted by code.
func Languages() []Language {
	out := make([]Language, 0, len(names))
	for code, name := range names {
		out = append(out, Language{Code: code, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// T returns the string for key in lang, falling back to English and then
// to the key itself.
func T(lang, key string) string {
	if s, ok := catalog[lang][key]; ok {
		return s
	}
	if s, ok := catalog[DefaultLanguage][key]; ok {
		return s
	}
	return key
}
