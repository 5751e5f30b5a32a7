package pipeline

import "strings"

// MIME family routing. The orchestrator dispatches on these; the
// format-conversion worker branches on the finer-grained predicates.

// IsPDF reports whether the MIME type is a PDF.
func IsPDF(mime string) bool {
	return mime == "application/pdf"
}

// IsImage reports whether the MIME type is a raster image.
func IsImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// IsTextFamily reports whether the bytes are directly readable as text.
func IsTextFamily(mime string) bool {
	return strings.HasPrefix(mime, "text/")
}

// IsSpreadsheet matches the spreadsheet formats the converter extracts
// textually instead of rendering to PDF.
func IsSpreadsheet(mime string) bool {
	switch mime {
	case "application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.oasis.opendocument.spreadsheet":
		return true
	}
	return false
}

// IsEmail matches stored email messages.
func IsEmail(mime string) bool {
	switch mime {
	case "message/rfc822", "application/vnd.ms-outlook":
		return true
	}
	return false
}

// IsXPS matches the XPS page formats converted via mutool.
func IsXPS(mime string) bool {
	switch mime {
	case "application/oxps", "application/vnd.ms-xpsdocument":
		return true
	}
	return false
}

// IsOfficeFamily reports whether the document needs conversion before the
// PDF pipeline can handle it.
func IsOfficeFamily(mime string) bool {
	if IsSpreadsheet(mime) || IsEmail(mime) || IsXPS(mime) {
		return true
	}
	switch mime {
	case "application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.oasis.opendocument.text",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/vnd.oasis.opendocument.presentation",
		"application/rtf":
		return true
	}
	return false
}
