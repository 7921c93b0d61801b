package domain

// Humanized client-facing messages per error class. Indonesian first-class
// alongside English, matching the locales the product ships.
var humanizedMessages = map[ErrorCode]map[string]string{
	CodeValidation: {
		"en": "The request was not valid. Please check the input and try again.",
		"id": "Permintaan tidak valid. Silakan periksa input dan coba lagi.",
	},
	CodeInsufficientCredits: {
		"en": "Not enough credits to run this edit.",
		"id": "Kredit tidak cukup untuk menjalankan edit ini.",
	},
	CodeRateLimited: {
		"en": "The editing service is busy. Please try again shortly.",
		"id": "Layanan edit sedang sibuk. Silakan coba lagi sebentar lagi.",
	},
	CodeProviderServer: {
		"en": "The editing service had a temporary problem. Please try again.",
		"id": "Layanan edit mengalami gangguan sementara. Silakan coba lagi.",
	},
	CodeProviderClient: {
		"en": "The editing service rejected this request.",
		"id": "Layanan edit menolak permintaan ini.",
	},
	CodeNoUsableResult: {
		"en": "The edit finished but produced no usable image.",
		"id": "Edit selesai tetapi tidak menghasilkan gambar yang dapat dipakai.",
	},
	CodePersistence: {
		"en": "We could not save the job. Please try again.",
		"id": "Kami tidak dapat menyimpan pekerjaan. Silakan coba lagi.",
	},
	CodeUnexpected: {
		"en": "Something went wrong while processing the edit.",
		"id": "Terjadi kesalahan saat memproses edit.",
	},
}

const maxHumanizedLen = 200

// Humanize maps an error to a client-safe code and message in the given
// locale. Raw provider payloads never pass through here.
func Humanize(err error, locale string) (ErrorCode, string) {
	code := CodeOf(err)
	if code == "" {
		code = CodeUnexpected
	}
	byLocale, ok := humanizedMessages[code]
	if !ok {
		byLocale = humanizedMessages[CodeUnexpected]
	}
	msg, ok := byLocale[locale]
	if !ok {
		msg = byLocale["en"]
	}
	if len(msg) > maxHumanizedLen {
		msg = msg[:maxHumanizedLen]
	}
	return code, msg
}
