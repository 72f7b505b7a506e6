package content

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// PlainText strips all markup, leaving only text. Used for notification
// previews and display names.
func PlainText(input string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(input))
}

// RenderMessage converts a message body from markdown to HTML and sanitizes
// the result. The stored content stays as the user typed it; rendering
// happens on the way out.
func RenderMessage(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
