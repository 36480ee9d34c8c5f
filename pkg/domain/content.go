package domain

import (
	"path/filepath"
	"strings"
)

type ContentType int

const (
	TypePlainText ContentType = iota
	TypeRichText
	TypeImage
	TypeFiles
	TypeOther
)

func (t ContentType) String() string {
	switch t {
	case TypePlainText:
		return "text"
	case TypeRichText:
		return "rich_text"
	case TypeImage:
		return "image"
	case TypeFiles:
		return "files"
	default:
		return "other"
	}
}

// Content is the canonical clipboard payload. Exactly one concrete type per
// ContentType; consumers switch on the concrete type, never on raw bytes.
type Content interface {
	Type() ContentType
	// DisplayText is the human-readable form used for search and previews.
	DisplayText() string
	isContent()
}

type PlainText string

func (PlainText) Type() ContentType     { return TypePlainText }
func (p PlainText) DisplayText() string { return string(p) }
func (PlainText) isContent()            {}

// RichText carries markup plus a plain-text fallback for hosts that cannot
// render the markup.
type RichText struct {
	Markup   string
	Fallback string
}

func (RichText) Type() ContentType { return TypeRichText }
func (r RichText) DisplayText() string {
	if r.Fallback != "" {
		return r.Fallback
	}
	return r.Markup
}
func (RichText) isContent() {}

// Image holds PNG-compressed bitmap bytes.
type Image []byte

func (Image) Type() ContentType   { return TypeImage }
func (Image) DisplayText() string { return "[image]" }
func (Image) isContent()          {}

type Files []string

func (Files) Type() ContentType { return TypeFiles }
func (f Files) DisplayText() string {
	names := make([]string, 0, len(f))
	for _, p := range f {
		names = append(names, filepath.Base(p))
	}
	return strings.Join(names, ", ")
}
func (Files) isContent() {}
