package model

import "strings"

// Language is a supported submission language.
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageCPP        Language = "cpp"
	LanguageGolang     Language = "golang"
)

var supportedLanguages = []Language{
	LanguageJavaScript,
	LanguagePython,
	LanguageJava,
	LanguageCPP,
	LanguageGolang,
}

// SupportedLanguages returns the fixed language set in a stable order.
func SupportedLanguages() []Language {
	out := make([]Language, len(supportedLanguages))
	copy(out, supportedLanguages)
	return out
}

// ParseLanguage matches raw against the supported set, ignoring case and surrounding space.
func ParseLanguage(raw string) (Language, bool) {
	candidate := Language(strings.ToLower(strings.TrimSpace(raw)))
	for _, lang := range supportedLanguages {
		if lang == candidate {
			return lang, true
		}
	}
	return "", false
}

// QueueName is the work queue a language's submissions are routed to.
func (l Language) QueueName() string {
	return string(l) + "-execution-queue"
}

// DeadLetterName is the dead-letter area paired with QueueName.
func (l Language) DeadLetterName() string {
	return string(l) + "-execution-dlq"
}
