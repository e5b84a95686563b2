// Package media is the admin media library: files uploaded through the
// object store gateway and recorded in the media table.
package media

import (
	"path/filepath"
	"slices"
	"strings"
	"time"

	"dh2ocol/internal/dbcompat"
	"dh2ocol/internal/optimize"
)

// Kind is the coarse file type of a media item.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindPDF   Kind = "pdf"
	KindOther Kind = "other"
)

// Library categories. Product category names are accepted as well.
const (
	CategoryGeneral  = "general"
	CategoryCarousel = "carousel"
	CategoryAll      = "all"
)

// KindOf classifies filename by extension.
func KindOf(filename string) Kind {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "jpg", "jpeg", "png", "gif", "webp":
		return KindImage
	case "mp4", "avi", "mov", "wmv":
		return KindVideo
	case "pdf":
		return KindPDF
	default:
		return KindOther
	}
}

// Categories lists the categories an item can be filed under.
func Categories() []string {
	out := []string{CategoryGeneral, CategoryCarousel}
	for _, p := range optimize.Categories() {
		out = append(out, p.Name)
	}
	return out
}

// NormalizeCategory maps user input onto a known category. Product
// categories match without regard to case or accents. Anything unknown
// becomes general.
func NormalizeCategory(category string) string {
	c := strings.TrimSpace(category)
	switch {
	case c == "":
		return CategoryGeneral
	case strings.EqualFold(c, CategoryCarousel):
		return CategoryCarousel
	case strings.EqualFold(c, CategoryGeneral):
		return CategoryGeneral
	}
	if p, ok := optimize.CategoryProfile(c); ok {
		return p.Name
	}
	return CategoryGeneral
}

// FolderFor returns the storage folder of a normalized category.
func FolderFor(category string) string {
	switch category {
	case CategoryCarousel:
		return optimize.FolderCarousel
	case CategoryGeneral:
		return CategoryGeneral
	}
	if slices.ContainsFunc(optimize.Categories(), func(p optimize.Profile) bool { return p.Name == category }) {
		return optimize.FolderProducts
	}
	return CategoryGeneral
}

// Item is one row of the media table.
type Item struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Filename    string    `json:"filename"`
	Kind        Kind      `json:"type"`
	Category    string    `json:"category"`
	SizeBytes   int64     `json:"size"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	UploadedAt  time.Time `json:"upload_date"`
}

func itemFromRow(row dbcompat.Row) Item {
	return Item{
		ID:          asInt64(row["id"]),
		Name:        asString(row["name"]),
		Filename:    asString(row["filename"]),
		Kind:        Kind(asString(row["kind"])),
		Category:    asString(row["category"]),
		SizeBytes:   asInt64(row["size_bytes"]),
		Description: asString(row["description"]),
		URL:         asString(row["url"]),
		UploadedAt:  asTime(row["uploaded_at"]),
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}
