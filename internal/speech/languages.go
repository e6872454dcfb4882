package speech

type Language struct {
	Code string
	Name string
}

// TranslationSourceLanguages are the spoken languages the translation
// endpoint recognizes.
var TranslationSourceLanguages = []Language{
	{"ar-EG", "Arabic (Egypt)"},
	{"ca-ES", "Catalan (Spain)"},
	{"da-DK", "Danish (Denmark)"},
	{"de-DE", "German (Germany)"},
	{"en-AU", "English (Australia)"},
	{"en-CA", "English (Canada)"},
	{"en-GB", "English (United Kingdom)"},
	{"en-IN", "English (India)"},
	{"en-NZ", "English (New Zealand)"},
	{"en-US", "English (United States)"},
	{"es-ES", "Spanish (Spain)"},
	{"es-MX", "Spanish (Mexico)"},
	{"fi-FI", "Finnish (Finland)"},
	{"fr-CA", "French (Canada)"},
	{"fr-FR", "French (France)"},
	{"hi-IN", "Hindi (India)"},
	{"it-IT", "Italian (Italy)"},
	{"ja-JP", "Japanese (Japan)"},
	{"ko-KR", "Korean (Korea)"},
	{"nb-NO", "Norwegian (Bokmål)"},
	{"nl-NL", "Dutch (Netherlands)"},
	{"pl-PL", "Polish (Poland)"},
	{"pt-BR", "Portuguese (Brazil)"},
	{"pt-PT", "Portuguese (Portugal)"},
	{"ru-RU", "Russian (Russia)"},
	{"sv-SE", "Swedish (Sweden)"},
	{"zh-CN", "Chinese (Mandarin, simplified)"},
	{"zh-HK", "Chinese (Mandarin, Traditional)"},
	{"zh-TW", "Chinese (Taiwanese Mandarin)"},
	{"th-TH", "Thai (Thailand)"},
}

// TranslationTargetLanguages are the text languages translations can be
// produced in.
var TranslationTargetLanguages = []Language{
	{"ar-EG", "Arabic"},
	{"ca-ES", "Catalan"},
	{"zh-Hans", "Chinese Simplified"},
	{"zh-Hant", "Chinese Traditional"},
	{"hr", "Croatian"},
	{"cs", "Czech"},
	{"da", "Danish"},
	{"nl", "Dutch"},
	{"en", "English"},
	{"et", "Estonian"},
	{"fj", "Fijian"},
	{"fil", "Filipino"},
	{"fi", "Finnish"},
	{"fr", "French"},
	{"de", "German"},
	{"el", "Greek"},
	{"ht", "Haitian Creole"},
	{"he", "Hebrew"},
	{"hi", "Hindi"},
	{"mww", "Hmong Daw"},
	{"hu", "Hungarian"},
	{"id", "Indonesian"},
	{"it", "Italian"},
	{"ja", "Japanese"},
	{"sw", "Kiswahili"},
	{"tlh", "Klingon"},
	{"tlh-Qaak", "Klingon (plqaD)"},
	{"ko", "Korean"},
	{"lv", "Latvian"},
	{"lt", "Lithuanian"},
	{"mg", "Malagasy"},
	{"ms", "Malay"},
	{"mt", "Maltese"},
	{"nb", "Norwegian"},
	{"fa", "Persian"},
	{"pl", "Polish"},
	{"pt", "Portuguese"},
	{"otq", "Queretaro Otomi"},
	{"ro", "Romanian"},
	{"ru", "Russian"},
	{"sm", "Samoan"},
	{"sr-Cyrl", "Serbian (Cyrillic)"},
	{"sr-Latn", "Serbian (Latin)"},
	{"sk", "Slovak"},
	{"sl", "Slovenian"},
	{"es", "Spanish"},
	{"sv", "Swedish"},
	{"ty", "Tahitian"},
	{"ta", "Tamil"},
	{"th", "Thai"},
	{"to", "Tongan"},
	{"tr", "Turkish"},
	{"uk", "Ukrainian"},
	{"ur", "Urdu"},
	{"vi", "Vietnamese"},
	{"cy", "Welsh"},
	{"yua", "Yucatec Maya"},
}

func IsSourceLanguage(code string) bool { return hasLanguage(TranslationSourceLanguages, code) }
func IsTargetLanguage(code string) bool { return hasLanguage(TranslationTargetLanguages, code) }

func hasLanguage(list []Language, code string) bool {
	for _, l := range list {
		if l.Code == code {
			return true
		}
	}
	return false
}
