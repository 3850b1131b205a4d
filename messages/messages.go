// Package messages holds owner-facing texts in the languages the bot speaks.
package messages

import (
	"fmt"
	"strings"
	"time"
)

// Key identifies a text
type Key string

const (
	AdExpired       Key = "ad_expired"
	AdQueued        Key = "ad_queued"
	RequestExpiring Key = "request_expiring"
	RequestDeleted  Key = "request_deleted"
	AdCompleted     Key = "ad_completed"
	AdArchived      Key = "ad_archived"
	ChooseAction    Key = "choose_action"
	EnterPrice      Key = "enter_price"
	InvalidChoice   Key = "invalid_choice"
	InvalidPrice    Key = "invalid_price"
	AlreadyClosed   Key = "already_closed"
	NoPending       Key = "no_pending"
	Welcome         Key = "welcome"
	ButtonPrice     Key = "button_price"
	ButtonCancel    Key = "button_cancel"
	ButtonDelete    Key = "button_delete"
	MenuPending     Key = "menu_pending"
)

// DefaultLanguage is used for users without a known language
const DefaultLanguage = "ru"

var texts = map[string]map[Key]string{
	"ru": {
		AdExpired:       "⏰ Срок вашего объявления «%s» истёк.\n\nУкажите итоговую цену продажи или отмените объявление.",
		RequestExpiring: "⏰ Срок вашей заявки «%s» истёк. Она будет удалена через %s.",
		AdQueued:        "⏰ Срок объявления «%s» тоже истёк. Вернёмся к нему, когда закончим с текущим.",
		RequestDeleted:  "🗑 Ваша заявка «%s» удалена.",
		AdCompleted:     "✅ Объявление «%s» закрыто. Итоговая цена: %s.",
		AdArchived:      "📦 Объявление «%s» перенесено в архив.",
		ChooseAction:    "Выберите действие для объявления «%s».",
		EnterPrice:      "Введите итоговую цену для объявления «%s» (только число).",
		InvalidChoice:   "Пожалуйста, выберите один из вариантов ниже.",
		InvalidPrice:    "Цена должна быть положительным числом. Попробуйте ещё раз.",
		AlreadyClosed:   "Это объявление уже закрыто.",
		NoPending:       "У вас нет объявлений, ожидающих ответа.",
		Welcome:         "Добро пожаловать! Мы сообщим, когда срок ваших объявлений истечёт.",
		ButtonPrice:     "💰 Указать итоговую цену",
		ButtonCancel:    "❌ Отменить",
		ButtonDelete:    "🗑 Удалить сейчас",
		MenuPending:     "📋 Ожидают ответа",
	},
	"uz": {
		AdExpired:       "⏰ «%s» e'loningiz muddati tugadi.\n\nYakuniy sotuv narxini kiriting yoki e'lonni bekor qiling.",
		RequestExpiring: "⏰ «%s» so'rovingiz muddati tugadi. U %sdan keyin o'chiriladi.",
		AdQueued:        "⏰ «%s» e'loni muddati ham tugadi. Joriy e'lon bilan ishni tugatgach, unga qaytamiz.",
		RequestDeleted:  "🗑 «%s» so'rovingiz o'chirildi.",
		AdCompleted:     "✅ «%s» e'loni yopildi. Yakuniy narx: %s.",
		AdArchived:      "📦 «%s» e'loni arxivga o'tkazildi.",
		ChooseAction:    "«%s» e'loni uchun amalni tanlang.",
		EnterPrice:      "«%s» e'loni uchun yakuniy narxni kiriting (faqat raqam).",
		InvalidChoice:   "Iltimos, quyidagi variantlardan birini tanlang.",
		InvalidPrice:    "Narx musbat son bo'lishi kerak. Qaytadan urinib ko'ring.",
		AlreadyClosed:   "Bu e'lon allaqachon yopilgan.",
		NoPending:       "Javob kutayotgan e'lonlaringiz yo'q.",
		Welcome:         "Xush kelibsiz! E'lonlaringiz muddati tugaganda xabar beramiz.",
		ButtonPrice:     "💰 Yakuniy narxni kiritish",
		ButtonCancel:    "❌ Bekor qilish",
		ButtonDelete:    "🗑 Hozir o'chirish",
		MenuPending:     "📋 Javob kutayotganlar",
	},
	"en": {
		AdExpired:       "⏰ Your ad “%s” has expired.\n\nEnter the final sale price or cancel the ad.",
		RequestExpiring: "⏰ Your request “%s” has expired. It will be deleted in %s.",
		AdQueued:        "⏰ Your ad “%s” has expired too. We will come back to it once the current one is done.",
		RequestDeleted:  "🗑 Your request “%s” has been deleted.",
		AdCompleted:     "✅ Ad “%s” is closed. Final price: %s.",
		AdArchived:      "📦 Ad “%s” has been archived.",
		ChooseAction:    "Choose what to do with the ad “%s”.",
		EnterPrice:      "Enter the final price for the ad “%s” (number only).",
		InvalidChoice:   "Please pick one of the options below.",
		InvalidPrice:    "The price must be a positive number. Try again.",
		AlreadyClosed:   "This ad is already closed.",
		NoPending:       "You have no ads waiting for a response.",
		Welcome:         "Welcome! We will let you know when your ads expire.",
		ButtonPrice:     "💰 Enter final price",
		ButtonCancel:    "❌ Cancel",
		ButtonDelete:    "🗑 Delete now",
		MenuPending:     "📋 Waiting for response",
	},
}

// Normalize maps a Telegram language code to a supported language
func Normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if _, ok := texts[lang]; ok {
		return lang
	}
	return DefaultLanguage
}

// Text renders key in lang
func Text(lang string, key Key, args ...interface{}) string {
	s, ok := texts[Normalize(lang)][key]
	if !ok {
		s = texts[DefaultLanguage][key]
	}
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}

// Matches reports whether input is key's text in any language
func Matches(input string, key Key) bool {
	input = strings.TrimSpace(input)
	for _, t := range texts {
		if t[key] == input {
			return true
		}
	}
	return false
}

var units = map[string][2][2]string{
	// {hours: singular, plural}, {minutes: singular, plural}
	"ru": {{"%d ч.", "%d ч."}, {"%d мин.", "%d мин."}},
	"uz": {{"%d soat", "%d soat"}, {"%d daqiqa", "%d daqiqa"}},
	"en": {{"%d hour", "%d hours"}, {"%d minute", "%d minutes"}},
}

// Duration renders d in whole hours, or whole minutes below an hour,
// rounding down so the owner is never promised less time than they have.
func Duration(lang string, d time.Duration) string {
	u := units[Normalize(lang)]
	unit, n := u[0], int(d/time.Hour)
	if d < time.Hour {
		unit, n = u[1], int(d/time.Minute)
		if n < 1 {
			n = 1
		}
	}
	if n == 1 {
		return fmt.Sprintf(unit[0], n)
	}
	return fmt.Sprintf(unit[1], n)
}
