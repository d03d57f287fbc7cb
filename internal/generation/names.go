package generation

import (
	"strings"
	"unicode/utf8"

	"meemee-bot/internal/apperr"
)

const (
	GenderMale   = "male"
	GenderFemale = "female"

	minNameLen = 2
	maxNameLen = 30
)

// bannedFragments are matched case-insensitively anywhere in the name.
var bannedFragments = []string{
	"хуй", "пизд", "ебл", "ебан", "ебат", "бля", "сука", "уеб",
	"мудак", "мудил", "гандон", "педик", "пидор", "хер", "манда",
	"шлюха", "блядь", "ублюдок", "долбоеб", "говно", "жопа",
	"fuck", "shit", "bitch", "ass", "dick", "cunt", "whore",
}

// ValidateName checks the display name that is substituted into a prompt.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < minNameLen || n > maxNameLen {
		return apperr.Validation("Имя должно быть от 2 до 30 символов.")
	}
	lower := strings.ToLower(name)
	for _, frag := range bannedFragments {
		if strings.Contains(lower, frag) {
			return apperr.Validation("Пожалуйста, используйте корректное имя без оскорблений.")
		}
	}
	return nil
}

// GenderText returns the localized label used by {gender_text}.
func GenderText(gender string) string {
	if gender == GenderMale {
		return "мальчик"
	}
	return "девочка"
}

func validGender(gender string) bool {
	return gender == GenderMale || gender == GenderFemale
}

// RenderPrompt fills the template placeholders.
func RenderPrompt(template, name, gender string) string {
	return strings.NewReplacer(
		"{name}", name,
		"{gender_text}", GenderText(gender),
		"{gender}", gender,
	).Replace(template)
}
