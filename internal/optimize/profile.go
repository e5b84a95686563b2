package optimize

import (
	"strings"

	"dh2ocol/internal/slug"
)

// Layout controls how a resized image is framed.
type Layout int

const (
	// Letterbox centers the image on an opaque canvas of exactly
	// MaxWidth x MaxHeight. Used for uniform card grids.
	Letterbox Layout = iota
	// PreserveAspect keeps the image's own proportions. Used for galleries
	// and product detail views.
	PreserveAspect
)

func (l Layout) String() string {
	switch l {
	case Letterbox:
		return "letterbox"
	case PreserveAspect:
		return "preserve-aspect"
	default:
		return "unknown"
	}
}

// Profile is a named resize and encode policy.
type Profile struct {
	Name        string
	MaxWidth    int
	MaxHeight   int
	Quality     int
	Layout      Layout
	KeepAlpha   bool
	Description string

	// ResizeBelow is the scale factor under which images are shrunk. Images
	// needing a gentler shrink are kept at their own size. Zero means 1, so
	// anything larger than the bounds is shrunk.
	ResizeBelow float64
}

// Folders with their own selection rules.
const (
	FolderCarousel = "carousel"
	FolderProducts = "productos"
)

var (
	// Default is used for services, gallery uploads and everything without
	// a more specific rule.
	Default = Profile{
		Name:        "default",
		MaxWidth:    500,
		MaxHeight:   375,
		Quality:     90,
		Layout:      Letterbox,
		Description: "Standard card image",
	}

	// Carousel keeps near-original resolution for hero banners.
	Carousel = Profile{
		Name:        "carousel",
		MaxWidth:    1920,
		MaxHeight:   1080,
		Quality:     95,
		Layout:      PreserveAspect,
		KeepAlpha:   true,
		Description: "High fidelity hero image",
		ResizeBelow: 0.8,
	}

	// Accessories doubles as the fallback for unknown product categories.
	Accessories = Profile{
		Name:        "Accesorios",
		MaxWidth:    500,
		MaxHeight:   375,
		Quality:     85,
		Layout:      PreserveAspect,
		Description: "Compact size for small accessories",
	}
)

var categoryProfiles = []Profile{
	{Name: "Tanques", MaxWidth: 800, MaxHeight: 600, Quality: 92, Layout: PreserveAspect, Description: "High resolution for detailed tank views"},
	{Name: "Bombas", MaxWidth: 700, MaxHeight: 525, Quality: 90, Layout: PreserveAspect, Description: "Good detail for mechanical components"},
	{Name: "Filtros", MaxWidth: 600, MaxHeight: 450, Quality: 88, Layout: PreserveAspect, Description: "Clear view of filter systems"},
	Accessories,
	{Name: "Químicos", MaxWidth: 550, MaxHeight: 400, Quality: 87, Layout: PreserveAspect, Description: "Clear product labeling visibility"},
	{Name: "Herramientas", MaxWidth: 650, MaxHeight: 500, Quality: 89, Layout: PreserveAspect, Description: "Good detail for tool identification"},
}

// CategoryProfile looks up a product category. Matching ignores case and
// accents.
func CategoryProfile(category string) (Profile, bool) {
	key := slug.Fold(category)
	if key == "" {
		return Profile{}, false
	}
	for _, p := range categoryProfiles {
		if slug.Fold(p.Name) == key {
			return p, true
		}
	}
	return Profile{}, false
}

// Categories lists the product categories with a dedicated profile.
func Categories() []Profile {
	return append([]Profile(nil), categoryProfiles...)
}

// SelectProfile picks the profile for an upload. The carousel folder gets
// Carousel. The products folder gets the category profile, taking the
// category from a "productos/<category>" folder when none is given, and
// Accessories when the category is missing or unknown. Everything else
// gets Default.
func SelectProfile(folder string, category string) Profile {
	head, rest, _ := strings.Cut(strings.Trim(folder, "/"), "/")

	switch {
	case strings.EqualFold(head, FolderCarousel):
		return Carousel
	case strings.EqualFold(head, FolderProducts):
		if strings.TrimSpace(category) == "" {
			category = rest
		}
		if p, ok := CategoryProfile(category); ok {
			return p
		}
		return Accessories
	default:
		return Default
	}
}
